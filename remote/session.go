package remote

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/kvore/dbcore/dberr"
)

// Session is the client-side remote session (C7): a list of transports,
// one per cluster node, with failover on I/O error (spec §4.7). When
// clustered it only raises AutoCommitDisabled; it sends no commit or
// autocommit frame to any transport on its own.
type Session struct {
	dialer  Dialer
	addrs   []string
	autoReconnect bool

	mu         sync.Mutex
	transports []Transport
	closed     bool

	// autoCommitDisabled is forced true once more than one transport is
	// live; the caller is then responsible for explicit COMMAND_COMMIT
	// against every transport.
	autoCommitDisabled bool
}

// Options configures a new remote Session.
type Options struct {
	Dialer        Dialer
	Addrs         []string
	AutoReconnect bool
}

// New dials every address in opts.Addrs and returns a Session spanning
// all transports that connected. It fails only if none connect.
func New(opts Options) (*Session, error) {
	s := &Session{
		dialer:        opts.Dialer,
		addrs:         append([]string(nil), opts.Addrs...),
		autoReconnect: opts.AutoReconnect,
	}
	if err := s.reconnectAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Session) reconnectAll() error {
	var transports []Transport
	var firstErr error
	for _, addr := range s.addrs {
		t, err := s.dialer.Dial(addr)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		transports = append(transports, t)
	}
	if len(transports) == 0 {
		return errors.Wrap(firstErr, "remote session: no transport could be established")
	}
	s.mu.Lock()
	s.transports = transports
	s.autoCommitDisabled = len(transports) > 1
	s.mu.Unlock()
	return nil
}

// IsClustered reports whether this session spans more than one transport
// (spec §4.7). The servers' autocommit setting is left unchanged.
func (s *Session) IsClustered() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transports) > 1
}

// AutoCommitDisabled reports whether this session must commit explicitly
// against every transport (spec §4.7).
func (s *Session) AutoCommitDisabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommitDisabled
}

// Send writes a request frame to every live transport and collects each
// response, removing any transport whose Send or Recv fails (spec §4.7's
// "any IOException during a request removes the failing transport").
// When all transports fail the session attempts to reconnect if enabled,
// otherwise closes.
func (s *Session) Send(f Frame) ([]Frame, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.WithStack(dberr.ErrConnectionBroken)
	}
	transports := append([]Transport(nil), s.transports...)
	s.mu.Unlock()

	var responses []Frame
	var failed []Transport
	for _, t := range transports {
		resp, err := roundTrip(t, f)
		if err != nil {
			failed = append(failed, t)
			continue
		}
		responses = append(responses, resp)
	}

	if len(failed) > 0 {
		s.removeTransports(failed)
	}

	if len(responses) == 0 {
		return nil, s.handleAllFailed()
	}
	return responses, nil
}

func roundTrip(t Transport, f Frame) (Frame, error) {
	if err := t.Send(f); err != nil {
		return Frame{}, err
	}
	return t.Recv()
}

func (s *Session) removeTransports(dead []Transport) {
	deadSet := make(map[Transport]bool, len(dead))
	for _, t := range dead {
		deadSet[t] = true
		_ = t.Close()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var live []Transport
	for _, t := range s.transports {
		if !deadSet[t] {
			live = append(live, t)
		}
	}
	s.transports = live
	s.autoCommitDisabled = len(live) > 1
}

// handleAllFailed implements spec §4.7: if the transport list became
// empty, reconnect when enabled, otherwise close the session.
func (s *Session) handleAllFailed() error {
	if s.autoReconnect {
		if err := s.reconnectAll(); err == nil {
			return errors.New("remote session: all transports failed, reconnected; retry the request")
		}
	}
	_ = s.Close()
	return errors.WithStack(dberr.ErrConnectionBroken)
}

// Cancel implements spec §4.7's independent cancel path: it opens a
// fresh transport, sends only the cancel frame, and closes the
// transport without touching any in-flight request.
func (s *Session) Cancel(addr string) error {
	t, err := s.dialer.Dial(addr)
	if err != nil {
		return errors.Wrap(err, "remote session: cancel dial failed")
	}
	defer t.Close()
	if err := t.Send(Frame{Opcode: OpSessionCancelStatement}); err != nil {
		return errors.Wrap(err, "remote session: cancel send failed")
	}
	return nil
}

// Close closes every live transport and marks the session closed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for _, t := range s.transports {
		_ = t.Close()
	}
	s.transports = nil
	s.closed = true
	return nil
}
