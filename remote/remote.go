// Package remote implements the Remote Session Adapter (C7): a
// client-side session that multiplexes requests over one or more
// byte-framed transports, one per cluster node, with failover.
package remote

import (
	"net/url"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/websocket"
)

// Opcode identifies the operation carried by a request frame (spec §4.7).
type Opcode int32

const (
	OpSessionPrepare Opcode = iota
	OpCommandExecuteQuery
	OpCommandExecuteUpdate
	OpCommandClose
	OpCommandCommit
	OpResultFetchRows
	OpResultClose
	OpLobRead
	OpSessionSetAutoCommit
	OpSessionCancelStatement
	OpSessionHasPendingTransaction
	OpGetJDBCMeta
	OpSessionClose
	OpSessionSetID
)

// Status is the int32 every frame carries right after its opcode (spec §6).
type Status int32

const (
	StatusOK Status = iota
	StatusOKStateChanged
	StatusClosed
	StatusError
)

// ErrorFrame is the payload that follows a StatusError response.
type ErrorFrame struct {
	SQLState  string
	Message   string
	SQL       string
	ErrorCode int32
	Stack     string
}

// Frame is one request or response unit exchanged over a transport.
type Frame struct {
	Opcode  Opcode
	Status  Status
	Payload []byte
	ErrFrame *ErrorFrame
}

// Dialer creates transports; production code uses NewWebSocketDialer,
// tests substitute a fake.
type Dialer interface {
	Dial(addr string) (Transport, error)
}

// Transport is one byte-framed connection to a single cluster node.
type Transport interface {
	Send(f Frame) error
	Recv() (Frame, error)
	Close() error
	Addr() string
}

// wsDialer dials a websocket transport per node (spec §4.7, §6).
type wsDialer struct {
	handshakeTimeout time.Duration
}

// NewWebSocketDialer returns a Dialer backed by gorilla/websocket, one
// connection per transport in the failover list.
func NewWebSocketDialer(handshakeTimeout time.Duration) Dialer {
	return &wsDialer{handshakeTimeout: handshakeTimeout}
}

func (d *wsDialer) Dial(addr string) (Transport, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: "/dbcore"}
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial transport %s", addr)
	}
	return &wsTransport{conn: conn, addr: addr}, nil
}

type wsTransport struct {
	conn *websocket.Conn
	addr string
	mu   sync.Mutex
}

func (t *wsTransport) Addr() string { return t.addr }

func (t *wsTransport) Send(f Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := encodeFrame(f)
	if err := t.conn.WriteMessage(websocket.BinaryMessage, buf); err != nil {
		return errors.Wrapf(err, "send to transport %s", t.addr)
	}
	return nil
}

func (t *wsTransport) Recv() (Frame, error) {
	_, buf, err := t.conn.ReadMessage()
	if err != nil {
		return Frame{}, errors.Wrapf(err, "receive from transport %s", t.addr)
	}
	return decodeFrame(buf)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}
