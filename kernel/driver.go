package kernel

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

const (
	driverOpExecute = "execute"
	driverOpChdir   = "chdir"

	// maxDriverLine is the largest reply line accepted from the driver.
	maxDriverLine = 16 * 1024 * 1024
)

// driverSource is the program run by the default python3 kernel spec. It reads one JSON request per line from
// stdin and answers with JSON lines on stdout that carry the id of the request they belong to.
const driverSource = `
import ast, json, os, sys, traceback

_out = sys.stdout
_ns = {"__name__": "__main__"}


def _emit(msg):
    _out.write(json.dumps(msg) + "\n")
    _out.flush()


class _Stream(object):
    def __init__(self, rid, name):
        self.rid = rid
        self.name = name

    def write(self, text):
        if text:
            _emit({"id": self.rid, "output": {"output_type": "stream", "name": self.name, "text": text}})
        return len(text)

    def flush(self):
        pass


def _execute(rid, code):
    tree = ast.parse(code, "<cell>", "exec")
    last = None
    if tree.body and isinstance(tree.body[-1], ast.Expr):
        last = ast.Expression(tree.body.pop().value)
    exec(compile(tree, "<cell>", "exec"), _ns)
    if last is not None:
        value = eval(compile(last, "<cell>", "eval"), _ns)
        if value is not None:
            _emit({"id": rid, "output": {"output_type": "execute_result", "data": {"text/plain": repr(value)}}})


while True:
    try:
        line = sys.stdin.readline()
    except KeyboardInterrupt:
        continue
    if not line:
        break
    try:
        req = json.loads(line)
    except ValueError:
        continue
    rid = req.get("id")
    sys.stdout, sys.stderr = _Stream(rid, "stdout"), _Stream(rid, "stderr")
    try:
        if req.get("op") == "chdir":
            os.chdir(req["path"])
        else:
            _execute(rid, req.get("code", ""))
    except BaseException as e:
        tb = traceback.format_exception(type(e), e, e.__traceback__)
        _emit({"id": rid, "output": {"output_type": "error", "ename": type(e).__name__, "evalue": str(e), "traceback": tb}})
    finally:
        sys.stdout, sys.stderr = sys.__stdout__, sys.__stderr__
    _emit({"id": rid, "done": True})
`

var errDriverClosed = errors.New("kernel driver connection closed")

type driverRequest struct {
	ID   string `json:"id"`
	Op   string `json:"op"`
	Code string `json:"code,omitempty"`
	Path string `json:"path,omitempty"`
}

type driverReply struct {
	ID     string  `json:"id"`
	Output *Output `json:"output,omitempty"`
	Done   bool    `json:"done,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// driverConn multiplexes requests to a kernel driver over a pair of byte streams.
type driverConn struct {
	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	pending map[string]*pendingRequest
	err     error
	closed  chan struct{}
}

type pendingRequest struct {
	replies chan *driverReply
	done    chan struct{}
}

func newDriverConn(r io.Reader, w io.Writer) *driverConn {
	conn := &driverConn{
		w:       w,
		pending: make(map[string]*pendingRequest),
		closed:  make(chan struct{}),
	}

	go conn.readLoop(r)

	return conn
}

func (c *driverConn) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxDriverLine)

	for scanner.Scan() {
		var reply driverReply
		if err := json.Unmarshal(scanner.Bytes(), &reply); err != nil || reply.ID == "" {
			continue
		}

		c.mu.Lock()
		pending, loaded := c.pending[reply.ID]
		c.mu.Unlock()

		if loaded {
			select {
			case pending.replies <- &reply:
			case <-pending.done:
			}
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	c.close(err)
}

// close fails every pending and future request with err. Only the first call has an effect.
func (c *driverConn) close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return
	}

	c.err = fmt.Errorf("%w: %v", errDriverClosed, err)
	close(c.closed)
}

func (c *driverConn) register(id string) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	pending := &pendingRequest{
		replies: make(chan *driverReply, 16),
		done:    make(chan struct{}),
	}
	c.pending[id] = pending
	return pending, nil
}

func (c *driverConn) unregister(id string) {
	c.mu.Lock()
	if pending, loaded := c.pending[id]; loaded {
		close(pending.done)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *driverConn) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// do sends req to the driver and passes every output of the reply to onOutput until the driver reports that
// the request is done.
func (c *driverConn) do(ctx context.Context, req *driverRequest, onOutput func(*Output)) error {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	pending, err := c.register(req.ID)
	if err != nil {
		return err
	}
	defer c.unregister(req.ID)

	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	_, err = c.w.Write(append(payload, '\n'))
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", errDriverClosed, err)
	}

	for {
		select {
		case reply := <-pending.replies:
			if reply.Output != nil && onOutput != nil {
				onOutput(reply.Output)
			}

			if reply.Done {
				if reply.Error != "" {
					return errors.New(reply.Error)
				}

				return nil
			}
		case <-c.closed:
			return c.closeErr()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
