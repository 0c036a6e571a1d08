package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/elliotchance/orderedmap/v2"
	"github.com/google/uuid"
	"github.com/petermattis/goid"
	"github.com/scusemua/kernel-broker/common/types"
	"github.com/scusemua/kernel-broker/common/utils"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/unix"
)

const (
	blobSaveTimeout = 30 * time.Second

	// initPathCode makes the session server run code relative to the worksheet it belongs to.
	initPathCode = "os.chdir(salvus.data['path']);__file__=salvus.data['file']"
)

var ErrNoBlobStore = errors.New("no blob store is configured")

// Session multiplexes the operations of one worksheet path over a single socket to the session server.
//
// The socket is opened lazily by the first operation that needs it. Concurrent operations that find no socket
// share a single acquisition. Callbacks are invoked from the read goroutine of the socket and should not block.
type Session struct {
	log logger.Logger

	path      string
	connector *Connector

	mu        sync.Mutex
	socket    *Socket
	pid       int
	callbacks *orderedmap.OrderedMap[string, Callback]
	closed    bool

	openGroup singleflight.Group
}

func newSession(c *Connector, path string) *Session {
	session := &Session{
		path:      path,
		connector: c,
		callbacks: orderedmap.NewOrderedMap[string, Callback](),
	}
	config.InitLogger(&session.log, session)

	return session
}

func (s *Session) Path() string {
	return s.path
}

// IsRunning reports whether the Session currently has a socket to the session server.
func (s *Session) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.socket != nil
}

// Pid returns the process id of the session server process backing this Session, or 0 if it is not known.
func (s *Session) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.pid
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.closed
}

// Pending returns the number of operations still waiting for their final response.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.callbacks.Len()
}

func (s *Session) String() string {
	return fmt.Sprintf("Session[path=%s]", s.path)
}

// Call handles a single Operation.
//
// Control operations (ping, status, signal and restart) are answered locally. A raw_input operation is forwarded
// only if a socket is already open, and is never answered. Every other operation is sent to the session server,
// opening a socket first if necessary, and its responses are passed to cb as they arrive. cb may be nil.
//
// If no socket could be opened, cb receives a final response carrying the error, which is also returned.
func (s *Session) Call(ctx context.Context, op Operation, cb Callback) error {
	switch op.Event() {
	case EventPing:
		respond(cb, Response{"pong": true})
		return nil
	case EventStatus:
		respond(cb, Response{"running": s.IsRunning()})
		return nil
	case EventSignal:
		s.signal(op)
		respond(cb, Response{})
		return nil
	case EventRestart:
		return s.restart(ctx, cb)
	case EventRawInput:
		return s.rawInput(op)
	default:
		return s.send(ctx, op, cb)
	}
}

func respond(cb Callback, resp Response) {
	if cb != nil {
		cb(resp)
	}
}

// signal delivers the signal named in op, SIGINT by default, to the session server process.
func (s *Session) signal(op Operation) {
	sig := unix.SIGINT
	switch v := op["signal"].(type) {
	case float64:
		sig = unix.Signal(int(v))
	case int:
		sig = unix.Signal(v)
	}

	pid := s.Pid()
	if pid <= 0 {
		s.log.Debug("Cannot deliver signal %v to %v: pid unknown.", sig, s)
		return
	}

	if err := s.connector.signaler.Signal(pid, sig); err != nil {
		s.log.Warn("Failed to deliver signal %v to process %d of %v: %v", sig, pid, s, err)
	}
}

// restart drops the current socket, if any, and opens a new one.
func (s *Session) restart(ctx context.Context, cb Callback) error {
	s.log.Debug("Restarting %v.", s)
	s.detach()

	if _, err := s.ensureSocket(ctx); err != nil {
		respond(cb, Response{"error": err.Error()})
		return err
	}

	respond(cb, Response{})
	return nil
}

func (s *Session) rawInput(op Operation) error {
	s.mu.Lock()
	socket := s.socket
	s.mu.Unlock()

	if socket == nil {
		return nil
	}

	return socket.WriteJSON(map[string]interface{}{
		"event": EventSageRawInput,
		"value": op["value"],
	})
}

// send forwards op to the session server, assigning it a correlation id if it has none. An id chosen by the
// caller is sent unchanged, whatever its type.
func (s *Session) send(ctx context.Context, op Operation, cb Callback) error {
	socket, err := s.ensureSocket(ctx)
	if err != nil {
		respond(cb, Response{"done": true, "error": err.Error()})
		return err
	}

	out := make(Operation, len(op)+1)
	maps.Copy(out, op)
	if out.CorrelationKey() == "" {
		out["id"] = uuid.NewString()
	}

	return s.sendOn(socket, out, cb)
}

// sendOn registers cb under the id of op and writes op to socket. It fails if socket is no longer the socket of
// the Session, so that no callback is ever registered against a socket that already ended.
func (s *Session) sendOn(socket *Socket, op Operation, cb Callback) error {
	id := op.CorrelationKey()

	s.mu.Lock()
	if s.socket != socket {
		s.mu.Unlock()
		respond(cb, Response{"done": true, "error": types.ErrNoSocket.Error()})
		return types.ErrNoSocket
	}
	if cb != nil {
		s.callbacks.Set(id, cb)
	}
	s.mu.Unlock()

	if err := socket.WriteJSON(op); err != nil {
		s.log.Warn("Failed to send %s operation %s of %v: %v", op.Event(), id, s, err)

		if pending, ok := s.takeCallback(id); ok {
			pending(Response{"done": true, "error": err.Error()})
		}
		return err
	}

	return nil
}

func (s *Session) takeCallback(id string) (Callback, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.callbacks.Get(id)
	if ok {
		s.callbacks.Delete(id)
	}

	return cb, ok
}

// ensureSocket returns the socket of the Session, opening one if there is none.
func (s *Session) ensureSocket(ctx context.Context) (*Socket, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, types.ErrSessionClosed
	}
	if socket := s.socket; socket != nil {
		s.mu.Unlock()
		return socket, nil
	}
	s.mu.Unlock()

	// The acquisition is shared, so it must not be cancelled along with any single caller.
	resultChan := s.openGroup.DoChan("open", func() (interface{}, error) {
		return s.openSocket()
	})

	select {
	case result := <-resultChan:
		if result.Err != nil {
			return nil, result.Err
		}
		return result.Val.(*Socket), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) openSocket() (*Socket, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.connector.opts.StartupTimeout())
	defer cancel()

	socket, pid, err := s.connector.acquireSocket(ctx)
	if err != nil {
		s.log.Error("Failed to open a socket for %v: %v", s, err)
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = socket.Close()
		return nil, types.ErrSessionClosed
	}
	s.socket = socket
	s.pid = pid
	s.mu.Unlock()

	socket.Start(func(msg *Message) {
		s.dispatch(socket, msg)
	}, func(err error) {
		s.onEnd(socket, err)
	})

	s.log.Info("%v is connected to %s (pid %d).", s, socket.RemoteAddr(), pid)

	if err = s.initPath(ctx, socket); err != nil {
		s.log.Warn("Failed to initialize the path of %v: %v", s, err)
		return socket, err
	}

	return socket, nil
}

// initPath changes the working directory of the session server to the directory of the worksheet, and sets
// __file__ to the worksheet itself.
func (s *Session) initPath(ctx context.Context, socket *Socket) error {
	head, _ := utils.PathSplit(s.path)

	var (
		mu     sync.Mutex
		stderr strings.Builder
		result = make(chan error, 1)
	)

	op := Operation{
		"event": EventExecuteCode,
		"id":    uuid.NewString(),
		"code":  initPathCode,
		"data": map[string]interface{}{
			"path": absPath(head),
			"file": absPath(s.path),
		},
		"preparse": false,
	}

	err := s.sendOn(socket, op, func(resp Response) {
		mu.Lock()
		defer mu.Unlock()

		if text, ok := resp["stderr"].(string); ok {
			stderr.WriteString(text)
		}

		if !resp.Done() {
			return
		}

		if msg := resp.Error(); msg != "" && stderr.Len() == 0 {
			stderr.WriteString(msg)
		}

		if stderr.Len() > 0 {
			result <- errors.New(stderr.String())
		} else {
			result <- nil
		}
	})
	if err != nil {
		return err
	}

	select {
	case err = <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// absPath resolves a worksheet path, which is relative to the home directory unless it is absolute.
func absPath(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(utils.GetEnv("HOME", "/"), path)
}

func (s *Session) dispatch(socket *Socket, msg *Message) {
	switch msg.Kind {
	case KindJSON:
		s.handleJSON(msg.JSON)
	case KindBlob:
		go s.handleBlob(socket, msg.BlobID, msg.Blob)
	default:
		s.log.Warn("%v dropped a message of unknown kind %v.", s, msg.Kind)
	}
}

// handleJSON passes a response to the callback registered under its id. A response with done=false is an
// intermediate one; any other response is final and unregisters the callback.
func (s *Session) handleJSON(payload map[string]interface{}) {
	resp := Response(payload)
	id := correlationKey(resp["id"])

	done := true
	if value, ok := resp["done"].(bool); ok {
		done = value
	}

	s.mu.Lock()
	cb, ok := s.callbacks.Get(id)
	if ok && done {
		s.callbacks.Delete(id)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Debug("[gid=%d] %v dropped a response to unknown operation %s.", goid.Get(), s, id)
		return
	}

	if done {
		resp["done"] = true
	} else {
		delete(resp, "done")
	}

	cb(resp)
}

// handleBlob saves a blob sent by the session server and acknowledges it.
func (s *Session) handleBlob(socket *Socket, id string, blob []byte) {
	gid := goid.Get()
	s.log.Debug("[gid=%d] %v received blob %s (%d bytes).", gid, s, id, len(blob))

	var err error
	if s.connector.blobs == nil {
		err = ErrNoBlobStore
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), blobSaveTimeout)
		err = s.connector.blobs.SaveBlob(ctx, id, blob)
		cancel()
	}
	s.connector.metrics.RecordBlobSaved(err)

	ack := map[string]interface{}{
		"event": EventSaveBlob,
		"sha1":  id,
	}
	if err != nil {
		s.log.Warn("[gid=%d] %v failed to save blob %s (%d bytes): %v", gid, s, id, len(blob), err)
		ack["error"] = err.Error()
	}

	if err = socket.WriteJSON(ack); err != nil {
		s.log.Warn("[gid=%d] %v failed to acknowledge blob %s: %v", gid, s, id, err)
	}
}

// onEnd is called once the read loop of socket stops. If socket is still the socket of the Session, the Session
// is closed, it leaves the registry and every pending operation is failed. Later operations on the path go to a
// new Session obtained from the Connector.
func (s *Session) onEnd(socket *Socket, err error) {
	s.connector.metrics.RecordSocketEnded()

	s.mu.Lock()
	if s.socket != socket {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.socket = nil
	s.pid = 0
	pending := s.drainCallbacksLocked()
	s.mu.Unlock()

	s.log.Warn("Socket of %v ended (%v). Failing %d pending operation(s).", s, err, len(pending))

	s.connector.remove(s)
	killAll(pending)
}

// detach closes the current socket and fails every pending operation, without closing the Session.
func (s *Session) detach() {
	s.mu.Lock()
	socket := s.socket
	s.socket = nil
	s.pid = 0
	pending := s.drainCallbacksLocked()
	s.mu.Unlock()

	if socket != nil {
		_ = socket.Close()
	}

	killAll(pending)
}

// Close kills the session server process, closes the socket and fails every pending operation. The Session is
// removed from its Connector and cannot be used again. Close is idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	socket, pid := s.socket, s.pid
	s.socket = nil
	s.pid = 0
	pending := s.drainCallbacksLocked()
	s.mu.Unlock()

	var err error
	if pid > 0 {
		if err = s.connector.signaler.Signal(pid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			s.log.Warn("Failed to kill process %d of %v: %v", pid, s, err)
		} else {
			err = nil
		}
	}

	if socket != nil {
		_ = socket.Close()
	}

	s.connector.remove(s)
	killAll(pending)

	s.log.Debug("Closed %v.", s)
	return err
}

// drainCallbacksLocked removes and returns every pending callback in the order in which they were registered.
func (s *Session) drainCallbacksLocked() []Callback {
	pending := make([]Callback, 0, s.callbacks.Len())
	for el := s.callbacks.Front(); el != nil; el = el.Next() {
		pending = append(pending, el.Value)
	}
	s.callbacks = orderedmap.NewOrderedMap[string, Callback]()

	return pending
}

func killAll(pending []Callback) {
	for _, cb := range pending {
		cb(killedResponse())
	}
}
