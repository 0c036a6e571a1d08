package session

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
)

const (
	handshakeAccepted = 'y'
	handshakeDenied   = 'n'
)

var (
	ErrSocketDenied = errors.New("session server denied the connection")
	ErrSocketClosed = errors.New("socket is closed")
)

// Socket is an unlocked, framed connection to a session server.
//
// Messages may be read with ReadOne until Start is called. After that, every message is passed to the handler
// given to Start, in the order in which it was received.
type Socket struct {
	log logger.Logger

	conn   net.Conn
	reader *bufio.Reader
	limits FrameLimits

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	started   bool
}

// DialLocked connects to a locked socket at addr and unlocks it with token.
//
// The client sends the token as a length-prefixed string and the server answers with a single byte: 'y' if it
// accepted the token, 'n' otherwise.
func DialLocked(ctx context.Context, addr string, token string) (*Socket, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err = writeToken(conn, token); err != nil {
		_ = conn.Close()
		return nil, err
	}

	var answer [1]byte
	if _, err = io.ReadFull(conn, answer[:]); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrSocketDenied, err)
	}

	if answer[0] != handshakeAccepted {
		_ = conn.Close()
		return nil, ErrSocketDenied
	}

	_ = conn.SetDeadline(time.Time{})

	return NewSocket(conn), nil
}

func writeToken(w io.Writer, token string) error {
	buf := make([]byte, 4, 4+len(token))
	binary.BigEndian.PutUint32(buf, uint32(len(token)))
	buf = append(buf, token...)

	_, err := w.Write(buf)
	return err
}

// ReadToken reads the token written by DialLocked. It is the server half of the handshake.
func ReadToken(r io.Reader, maxLen uint32) (string, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return "", err
	}

	length := binary.BigEndian.Uint32(header[:])
	if length > maxLen {
		return "", ErrFrameTooLarge
	}

	token := make([]byte, length)
	if _, err := io.ReadFull(r, token); err != nil {
		return "", err
	}

	return string(token), nil
}

// AnswerHandshake writes the server's answer to a token read with ReadToken.
func AnswerHandshake(w io.Writer, accepted bool) error {
	answer := byte(handshakeDenied)
	if accepted {
		answer = handshakeAccepted
	}

	_, err := w.Write([]byte{answer})
	return err
}

// NewSocket wraps an already unlocked connection.
func NewSocket(conn net.Conn) *Socket {
	socket := &Socket{
		conn:   conn,
		reader: bufio.NewReader(conn),
		limits: DefaultFrameLimits(),
		done:   make(chan struct{}),
	}
	config.InitLogger(&socket.log, socket)

	return socket
}

func (s *Socket) RemoteAddr() string {
	return s.conn.RemoteAddr().String()
}

// ReadOne reads a single message, waiting at most until deadline. It must not be called after Start.
func (s *Socket) ReadOne(deadline time.Time) (*Message, error) {
	if s.started {
		return nil, errors.New("socket read loop is already running")
	}

	_ = s.conn.SetReadDeadline(deadline)
	defer func() {
		_ = s.conn.SetReadDeadline(time.Time{})
	}()

	return ReadMessage(s.reader, s.limits)
}

// Start reads messages in a new goroutine, passing each to onMessage. When the connection ends, for whatever
// reason, the socket is closed and onEnd is called once with the error that ended it.
func (s *Socket) Start(onMessage func(*Message), onEnd func(error)) {
	s.started = true

	go func() {
		var err error
		for {
			var msg *Message
			msg, err = ReadMessage(s.reader, s.limits)
			if err != nil {
				break
			}

			onMessage(msg)
		}

		s.log.Debug("Socket to %s ended: %v", s.RemoteAddr(), err)
		_ = s.Close()

		if onEnd != nil {
			onEnd(err)
		}
	}()
}

func (s *Socket) Write(msg *Message) error {
	select {
	case <-s.done:
		return ErrSocketClosed
	default:
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return WriteMessage(s.conn, msg, s.limits)
}

func (s *Socket) WriteJSON(payload map[string]interface{}) error {
	return s.Write(NewJSONMessage(payload))
}

// Done is closed once the socket has been closed.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}

// Close closes the underlying connection. Close is idempotent.
func (s *Socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.conn.Close()
	})

	return err
}
