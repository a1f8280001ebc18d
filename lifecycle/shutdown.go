package lifecycle

import (
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// shutdownRegistry tracks every open Database in open order, so a
// single process-wide signal handler can close them in reverse (spec
// §4.8 step 13).
var shutdownRegistry = struct {
	mu   sync.Mutex
	dbs  []*Database
	once sync.Once
	ch   chan os.Signal
}{}

func registerForShutdown(db *Database) {
	shutdownRegistry.mu.Lock()
	shutdownRegistry.dbs = append(shutdownRegistry.dbs, db)
	shutdownRegistry.mu.Unlock()

	shutdownRegistry.once.Do(installSignalHandler)
}

func unregisterForShutdown(db *Database) {
	shutdownRegistry.mu.Lock()
	defer shutdownRegistry.mu.Unlock()
	for i, d := range shutdownRegistry.dbs {
		if d == db {
			shutdownRegistry.dbs = append(shutdownRegistry.dbs[:i], shutdownRegistry.dbs[i+1:]...)
			break
		}
	}
}

func installSignalHandler() {
	shutdownRegistry.ch = make(chan os.Signal, 1)
	signal.Notify(shutdownRegistry.ch, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-shutdownRegistry.ch
		closeAllFromShutdownHook()
	}()
}

// closeAllFromShutdownHook closes every registered database in reverse
// open order, the way a JVM shutdown hook closes H2 databases: each
// Close call below is told it is running from the shutdown hook so it
// does not reject itself over remaining user sessions.
func closeAllFromShutdownHook() {
	shutdownRegistry.mu.Lock()
	dbs := append([]*Database(nil), shutdownRegistry.dbs...)
	shutdownRegistry.mu.Unlock()

	for i := len(dbs) - 1; i >= 0; i-- {
		_ = dbs[i].closeFromShutdownHook()
	}
}
