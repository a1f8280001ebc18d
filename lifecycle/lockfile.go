package lifecycle

import (
	"bufio"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/golang-module/carbon/v2"
	"github.com/google/uuid"
)

// LockFile is the plain, line-oriented key=value registration described
// in spec §6: `server=<ip:port>`, `hostName=<host>`, a random unique id,
// and (informationally) the time the database was opened. The open time
// is written only at acquisition; WriteAutoServer rewrites the file
// without it.
type LockFile struct {
	path string
	file *os.File
	id   string
}

// AcquireLockFile creates the lock file exclusively; a pre-existing lock
// file means another process holds the database open. Read-only opens
// with no lock file present skip acquisition entirely (spec §4.8 step 2).
func AcquireLockFile(path string) (*LockFile, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, errors.Wrapf(err, "lock file %s already held", path)
		}
		return nil, errors.Wrapf(err, "create lock file %s", path)
	}

	id := uuid.NewString()
	lf := &LockFile{path: path, file: f, id: id}
	if err := lf.writeLines(map[string]string{
		"id":       id,
		"openedAt": carbon.Now().ToIso8601String(),
	}); err != nil {
		_ = lf.Release()
		return nil, err
	}
	return lf, nil
}

// hostnameFn stands in for os.Hostname() so tests can pin it; declared as
// a var for that reason.
var hostnameFn = os.Hostname

// WriteAutoServer records the auto-server TCP listener's address into
// the lock file's key/value area (spec §4.4, §6).
func (lf *LockFile) WriteAutoServer(addr string) error {
	host, err := hostnameFn()
	if err != nil {
		host = "unknown"
	}
	return lf.writeLines(map[string]string{
		"id":       lf.id,
		"server":   addr,
		"hostName": host,
	})
}

func (lf *LockFile) writeLines(kv map[string]string) error {
	if _, err := lf.file.Seek(0, 0); err != nil {
		return errors.Wrap(err, "seek lock file")
	}
	if err := lf.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate lock file")
	}
	var sb strings.Builder
	for k, v := range kv {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(v)
		sb.WriteByte('\n')
	}
	if _, err := lf.file.WriteString(sb.String()); err != nil {
		return errors.Wrap(err, "write lock file")
	}
	return lf.file.Sync()
}

// Release closes and removes the lock file.
func (lf *LockFile) Release() error {
	if lf == nil {
		return nil
	}
	_ = lf.file.Close()
	if err := os.Remove(lf.path); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove lock file %s", lf.path)
	}
	return nil
}

// readLockFile parses an existing lock file's key=value lines.
func readLockFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open lock file %s", path)
	}
	defer f.Close()

	out := make(map[string]string)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out, scanner.Err()
}
