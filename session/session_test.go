package session_test

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/scusemua/kernel-broker/common/configuration"
	"github.com/scusemua/kernel-broker/common/types"
	"github.com/scusemua/kernel-broker/session"
	"github.com/scusemua/kernel-broker/session/mock_session"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"
)

const (
	testToken = "secret"
	testPid   = 4242
	testPath  = "/srv/work/test.sagews"
)

// fakeServer is a session server that speaks the locked socket protocol.
//
// It answers "echo" operations with an intermediate and a final response, never answers "hang" operations, and
// answers the path initialization with the configured stderr.
type fakeServer struct {
	listener net.Listener

	mu         sync.Mutex
	conns      []net.Conn
	writeMu    sync.Mutex
	received   []map[string]interface{}
	initStderr string

	sessionsStarted atomic.Int32
}

func newFakeServer() *fakeServer {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).ToNot(HaveOccurred())

	server := &fakeServer{listener: listener}
	go server.serve()

	return server
}

func (s *fakeServer) Port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *fakeServer) serve() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}

		go s.handle(conn)
	}
}

func (s *fakeServer) handle(conn net.Conn) {
	defer conn.Close()

	token, err := session.ReadToken(conn, 1024)
	if err != nil {
		return
	}

	if err = session.AnswerHandshake(conn, token == testToken); err != nil || token != testToken {
		return
	}

	limits := session.DefaultFrameLimits()
	start, err := session.ReadMessage(conn, limits)
	if err != nil || start.JSON["event"] != session.EventStartSession {
		return
	}

	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.sessionsStarted.Add(1)

	if err = s.write(conn, map[string]interface{}{"event": "session_description", "pid": testPid}); err != nil {
		return
	}

	for {
		msg, err := session.ReadMessage(conn, limits)
		if err != nil {
			return
		}

		if msg.Kind != session.KindJSON {
			continue
		}

		s.mu.Lock()
		s.received = append(s.received, msg.JSON)
		s.mu.Unlock()

		s.reply(conn, msg.JSON)
	}
}

func (s *fakeServer) reply(conn net.Conn, payload map[string]interface{}) {
	id := payload["id"]

	switch payload["event"] {
	case session.EventExecuteCode:
		s.mu.Lock()
		stderr := s.initStderr
		s.mu.Unlock()

		resp := map[string]interface{}{"id": id, "done": true}
		if stderr != "" {
			resp["stderr"] = stderr
		}
		_ = s.write(conn, resp)
	case "echo":
		_ = s.write(conn, map[string]interface{}{"id": id, "done": false, "value": 1})
		_ = s.write(conn, map[string]interface{}{"id": id, "value": 2})
	}
}

func (s *fakeServer) write(conn net.Conn, payload map[string]interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	return session.WriteMessage(conn, session.NewJSONMessage(payload), session.DefaultFrameLimits())
}

// SendBlob sends a blob over the most recent connection.
func (s *fakeServer) SendBlob(id string, blob []byte) {
	s.mu.Lock()
	conn := s.conns[len(s.conns)-1]
	s.mu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	Expect(session.WriteMessage(conn, session.NewBlobMessage(id, blob), session.DefaultFrameLimits())).To(Succeed())
}

func (s *fakeServer) SetInitStderr(stderr string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.initStderr = stderr
}

// Received returns the messages received with the given event, in order.
func (s *fakeServer) Received(event string) []map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matching []map[string]interface{}
	for _, payload := range s.received {
		if payload["event"] == event {
			matching = append(matching, payload)
		}
	}

	return matching
}

// DropConnections closes every connection, as if the session server had crashed.
func (s *fakeServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, conn := range s.conns {
		_ = conn.Close()
	}
	s.conns = nil
}

func (s *fakeServer) Close() {
	_ = s.listener.Close()
	s.DropConnections()
}

// recorder collects the responses passed to a Callback.
type recorder struct {
	mu        sync.Mutex
	responses []session.Response
}

func (r *recorder) Callback(resp session.Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.responses = append(r.responses, resp)
}

func (r *recorder) All() []session.Response {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]session.Response(nil), r.responses...)
}

func (r *recorder) Final() []session.Response {
	var final []session.Response
	for _, resp := range r.All() {
		if resp.Done() {
			final = append(final, resp)
		}
	}

	return final
}

// noopSignaler keeps tests from signalling real processes.
type noopSignaler struct {
	signals atomic.Int32
}

func (s *noopSignaler) Signal(int, unix.Signal) error {
	s.signals.Add(1)
	return nil
}

// addressRegistry reports a fixed host and port for every service.
type addressRegistry struct {
	host string
	port int
}

func (r *addressRegistry) GetPort(context.Context, string) (int, error) {
	return r.port, nil
}

func (r *addressRegistry) ForgetPort(string) {}

func (r *addressRegistry) GetAddress(context.Context, string) (string, int, error) {
	return r.host, r.port, nil
}

func testSessionOptions() *configuration.SessionOptions {
	opts := &configuration.SessionOptions{
		StartupTimeoutSeconds: 1,
		BackoffInitialMillis:  10,
		BackoffMaxMillis:      50,
	}
	Expect(opts.Validate()).To(Succeed())

	return opts
}

func mustConnector(c *session.Connector, err error) *session.Connector {
	Expect(err).ToNot(HaveOccurred())
	return c
}

func writeFile(path string, contents string) error {
	return os.WriteFile(path, []byte(contents), 0600)
}

// callSync performs an operation whose callback is invoked before Call returns.
func callSync(s *session.Session, op session.Operation) (session.Response, error) {
	var resp session.Response
	err := s.Call(context.Background(), op, func(r session.Response) {
		resp = r
	})

	return resp, err
}

var _ = Describe("Session", func() {
	var (
		mockCtrl  *gomock.Controller
		ports     *mock_session.MockPortRegistry
		restarter *mock_session.MockRestarter
		blobs     *mock_session.MockBlobStore
		signaler  *noopSignaler
		server    *fakeServer
		connector *session.Connector
		ctx       context.Context
	)

	newConnector := func(options ...session.ConnectorOption) *session.Connector {
		governor := session.NewRestartGovernor(restarter, time.Minute, time.Second)

		options = append([]session.ConnectorOption{
			session.WithToken(testToken),
			session.WithSignaler(signaler),
			session.WithBlobStore(blobs),
		}, options...)

		c, err := session.NewConnector(testSessionOptions(), ports, governor, options...)
		Expect(err).ToNot(HaveOccurred())

		return c
	}

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ports = mock_session.NewMockPortRegistry(mockCtrl)
		restarter = mock_session.NewMockRestarter(mockCtrl)
		blobs = mock_session.NewMockBlobStore(mockCtrl)
		signaler = &noopSignaler{}
		server = newFakeServer()
		ctx = context.Background()

		connector = newConnector()

		DeferCleanup(func() {
			connector.CloseAll()
			server.Close()
		})
	})

	expectPortLookups := func() {
		ports.EXPECT().GetPort(gomock.Any(), configuration.DefaultSessionService).Return(server.Port(), nil).AnyTimes()
	}

	Context("control operations", func() {
		It("should answer a ping without opening a socket", func() {
			resp, err := callSync(connector.Session(testPath), session.Operation{"event": session.EventPing})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp).To(Equal(session.Response{"pong": true}))
			Expect(server.sessionsStarted.Load()).To(BeZero())
		})

		It("should report whether a socket is open", func() {
			expectPortLookups()
			s := connector.Session(testPath)

			resp, err := callSync(s, session.Operation{"event": session.EventStatus})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp).To(Equal(session.Response{"running": false}))

			Expect(s.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())

			resp, err = callSync(s, session.Operation{"event": session.EventStatus})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp).To(Equal(session.Response{"running": true}))
		})

		It("should ignore raw input while no socket is open", func() {
			Expect(connector.Session(testPath).Call(ctx, session.Operation{"event": session.EventRawInput, "value": "x"}, nil)).To(Succeed())
			Expect(server.sessionsStarted.Load()).To(BeZero())
		})

		It("should forward raw input over an open socket", func() {
			expectPortLookups()
			s := connector.Session(testPath)
			Expect(s.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())

			Expect(s.Call(ctx, session.Operation{"event": session.EventRawInput, "value": "42\n"}, nil)).To(Succeed())

			Eventually(func() []map[string]interface{} {
				return server.Received(session.EventSageRawInput)
			}).Should(ConsistOf(HaveKeyWithValue("value", "42\n")))
		})

		It("should not signal anything before the pid is known", func() {
			resp, err := callSync(connector.Session(testPath), session.Operation{"event": session.EventSignal, "signal": 2.0})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp).To(BeEmpty())
			Expect(signaler.signals.Load()).To(BeZero())
		})

		It("should reopen the socket on restart and fail pending operations", func() {
			expectPortLookups()
			s := connector.Session(testPath)

			pending := &recorder{}
			Expect(s.Call(ctx, session.Operation{"event": "hang"}, pending.Callback)).To(Succeed())
			Expect(server.sessionsStarted.Load()).To(Equal(int32(1)))

			resp, err := callSync(s, session.Operation{"event": session.EventRestart})
			Expect(err).ToNot(HaveOccurred())
			Expect(resp).To(BeEmpty())

			Expect(server.sessionsStarted.Load()).To(Equal(int32(2)))
			Expect(pending.All()).To(Equal([]session.Response{{"done": true, "error": session.ErrorKilled}}))
			Expect(s.IsRunning()).To(BeTrue())
			registered, found := connector.Lookup(testPath)
			Expect(found).To(BeTrue())
			Expect(registered).To(BeIdenticalTo(s))
		})
	})

	Context("data operations", func() {
		BeforeEach(func() {
			expectPortLookups()
		})

		It("should deliver intermediate and final responses by correlation id", func() {
			rec := &recorder{}
			op := session.Operation{"event": "echo"}

			Expect(connector.Call(ctx, testPath, op, rec.Callback)).To(Succeed())
			Expect(op).ToNot(HaveKey("id"))

			Eventually(rec.All).Should(HaveLen(2))
			responses := rec.All()

			Expect(responses[0]).ToNot(HaveKey("done"))
			Expect(responses[0]["value"]).To(BeEquivalentTo(1))
			Expect(responses[1].Done()).To(BeTrue())
			Expect(responses[1]["value"]).To(BeEquivalentTo(2))

			id, ok := responses[0]["id"].(string)
			Expect(ok).To(BeTrue())
			_, err := uuid.Parse(id)
			Expect(err).ToNot(HaveOccurred())
			Expect(responses[1]["id"]).To(Equal(id))

			Expect(connector.Session(testPath).Pending()).To(BeZero())
		})

		It("should keep a correlation id chosen by the caller", func() {
			rec := &recorder{}
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo", "id": "mine"}, rec.Callback)).To(Succeed())

			Eventually(rec.Final).Should(ConsistOf(HaveKeyWithValue("id", "mine")))
		})

		It("should keep a correlation id that is not a string and match responses on it", func() {
			rec := &recorder{}
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo", "id": 7}, rec.Callback)).To(Succeed())

			Eventually(rec.All).Should(HaveLen(2))
			for _, resp := range rec.All() {
				Expect(resp["id"]).To(BeEquivalentTo(7))
			}
			Expect(rec.Final()).To(HaveLen(1))

			Expect(server.Received("echo")).To(ConsistOf(HaveKeyWithValue("id", BeEquivalentTo(7))))
			Expect(connector.Session(testPath).Pending()).To(BeZero())
		})

		It("should not confuse a numeric id with the same digits as a string", func() {
			numeric := &recorder{}
			text := &recorder{}
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "hang", "id": 7}, numeric.Callback)).To(Succeed())
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo", "id": "7"}, text.Callback)).To(Succeed())

			Eventually(text.Final).Should(ConsistOf(HaveKeyWithValue("id", "7")))
			Consistently(numeric.All, 100*time.Millisecond).Should(BeEmpty())
			Expect(connector.Session(testPath).Pending()).To(Equal(1))
		})

		It("should initialize the path before sending anything else", func() {
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())

			Eventually(func() []map[string]interface{} {
				return server.Received(session.EventExecuteCode)
			}).Should(HaveLen(1))

			init := server.Received(session.EventExecuteCode)[0]
			Expect(init["code"]).To(ContainSubstring("os.chdir"))
			Expect(init["preparse"]).To(BeFalse())
			Expect(init["data"]).To(Equal(map[string]interface{}{
				"path": "/srv/work",
				"file": testPath,
			}))
		})

		It("should report a failed path initialization to the waiting operations", func() {
			server.SetInitStderr("No such file or directory")

			rec := &recorder{}
			err := connector.Call(ctx, testPath, session.Operation{"event": "echo"}, rec.Callback)
			Expect(err).To(MatchError(ContainSubstring("No such file or directory")))
			Expect(rec.All()).To(HaveLen(1))
			Expect(rec.All()[0].Done()).To(BeTrue())

			// The socket itself is usable.
			Expect(connector.Session(testPath).IsRunning()).To(BeTrue())
		})

		It("should share a single socket acquisition between concurrent operations", func() {
			// Replace the permissive expectation with a strict one.
			mockCtrl = gomock.NewController(GinkgoT())
			ports = mock_session.NewMockPortRegistry(mockCtrl)
			ports.EXPECT().GetPort(gomock.Any(), configuration.DefaultSessionService).Return(server.Port(), nil).Times(1)
			connector = newConnector()

			rec := &recorder{}
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, rec.Callback)).To(Succeed())
				}()
			}
			wg.Wait()

			Eventually(rec.Final).Should(HaveLen(8))
			Expect(server.sessionsStarted.Load()).To(Equal(int32(1)))
			Expect(connector.Len()).To(Equal(1))
		})

		It("should fail every pending operation exactly once, in order, when the socket ends", func() {
			s := connector.Session(testPath)

			var (
				orderMu sync.Mutex
				order   []string
			)
			recorders := make(map[string]*recorder)
			for _, name := range []string{"a", "b", "c"} {
				name := name
				rec := &recorder{}
				recorders[name] = rec

				Expect(s.Call(ctx, session.Operation{"event": "hang"}, func(resp session.Response) {
					orderMu.Lock()
					order = append(order, name)
					orderMu.Unlock()
					rec.Callback(resp)
				})).To(Succeed())
			}

			Eventually(func() []map[string]interface{} {
				return server.Received("hang")
			}).Should(HaveLen(3))
			Expect(s.Pending()).To(Equal(3))

			server.DropConnections()

			Eventually(s.IsRunning).Should(BeFalse())
			Eventually(connector.Len).Should(BeZero())

			for _, rec := range recorders {
				Eventually(rec.All).Should(HaveLen(1))
				Consistently(rec.All, 200*time.Millisecond).Should(HaveLen(1))
				Expect(rec.All()[0]).To(Equal(session.Response{"done": true, "error": session.ErrorKilled}))
			}

			orderMu.Lock()
			Expect(order).To(Equal([]string{"a", "b", "c"}))
			orderMu.Unlock()

			_, found := connector.Lookup(testPath)
			Expect(found).To(BeFalse())
		})

		It("should open a fresh socket for operations after the socket ended", func() {
			s := connector.Session(testPath)
			Expect(s.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())

			server.DropConnections()
			Eventually(s.IsRunning).Should(BeFalse())

			rec := &recorder{}
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, rec.Callback)).To(Succeed())
			Eventually(rec.Final).Should(HaveLen(1))
			Expect(server.sessionsStarted.Load()).To(Equal(int32(2)))
		})

		It("should keep exactly one live session per path after the socket ended", func() {
			stale := connector.Session(testPath)
			Expect(stale.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())

			server.DropConnections()
			Eventually(connector.Len).Should(BeZero())

			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())

			failed := &recorder{}
			err := stale.Call(ctx, session.Operation{"event": "echo"}, failed.Callback)
			Expect(err).To(MatchError(types.ErrSessionClosed))
			Expect(failed.All()).To(HaveLen(1))
			Expect(failed.All()[0].Done()).To(BeTrue())
			Expect(stale.IsRunning()).To(BeFalse())

			live, found := connector.Lookup(testPath)
			Expect(found).To(BeTrue())
			Expect(live).ToNot(BeIdenticalTo(stale))
			Expect(live.IsRunning()).To(BeTrue())
			Expect(connector.Session(testPath)).To(BeIdenticalTo(live))
			Expect(connector.Len()).To(Equal(1))
			Expect(server.sessionsStarted.Load()).To(Equal(int32(2)))

			connector.CloseAll()
			Expect(live.IsRunning()).To(BeFalse())
			Expect(stale.IsRunning()).To(BeFalse())
			Expect(connector.Len()).To(BeZero())
		})

		It("should save blobs and acknowledge them", func() {
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())

			id := uuid.NewString()
			saved := make(chan []byte, 1)
			blobs.EXPECT().SaveBlob(gomock.Any(), id, gomock.Any()).DoAndReturn(func(_ context.Context, _ string, blob []byte) error {
				saved <- blob
				return nil
			}).Times(1)

			server.SendBlob(id, []byte("png bytes"))

			Eventually(saved).Should(Receive(Equal([]byte("png bytes"))))
			Eventually(func() []map[string]interface{} {
				return server.Received(session.EventSaveBlob)
			}).Should(ConsistOf(And(HaveKeyWithValue("sha1", id), Not(HaveKey("error")))))
		})

		It("should acknowledge blobs that could not be saved with the error", func() {
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())

			id := uuid.NewString()
			blobs.EXPECT().SaveBlob(gomock.Any(), id, gomock.Any()).Return(errors.New("disk full")).Times(1)

			server.SendBlob(id, []byte("data"))

			Eventually(func() []map[string]interface{} {
				return server.Received(session.EventSaveBlob)
			}).Should(ConsistOf(And(HaveKeyWithValue("sha1", id), HaveKeyWithValue("error", "disk full"))))
		})
	})

	Context("without a blob store", func() {
		It("should refuse blobs", func() {
			expectPortLookups()
			connector = mustConnector(session.NewConnector(testSessionOptions(), ports,
				session.NewRestartGovernor(restarter, time.Minute, time.Second),
				session.WithToken(testToken), session.WithSignaler(signaler)))

			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())

			id := uuid.NewString()
			server.SendBlob(id, []byte("data"))

			Eventually(func() []map[string]interface{} {
				return server.Received(session.EventSaveBlob)
			}).Should(ConsistOf(HaveKeyWithValue("error", session.ErrNoBlobStore.Error())))
		})
	})

	Context("with a registry that knows the host of the session server", func() {
		It("should dial the registered host rather than its own", func() {
			connector = mustConnector(session.NewConnector(testSessionOptions(),
				&addressRegistry{host: "127.0.0.1", port: server.Port()},
				session.NewRestartGovernor(restarter, time.Minute, time.Second),
				session.WithToken(testToken), session.WithSignaler(signaler), session.WithHost("192.0.2.1")))

			rec := &recorder{}
			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, rec.Callback)).To(Succeed())
			Eventually(rec.Final).Should(HaveLen(1))
			Expect(server.sessionsStarted.Load()).To(Equal(int32(1)))
		})

		It("should fall back to its own host when the registry reports none", func() {
			connector = mustConnector(session.NewConnector(testSessionOptions(),
				&addressRegistry{port: server.Port()},
				session.NewRestartGovernor(restarter, time.Minute, time.Second),
				session.WithToken(testToken), session.WithSignaler(signaler)))

			Expect(connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)).To(Succeed())
			Expect(server.sessionsStarted.Load()).To(Equal(int32(1)))
		})
	})

	Context("when the session server cannot be reached", func() {
		It("should restart it once and then fail with a connection error", func() {
			ports.EXPECT().GetPort(gomock.Any(), gomock.Any()).Return(0, errors.New("no port file")).AnyTimes()
			restarter.EXPECT().Restart(gomock.Any()).Return(nil).Times(1)

			rec := &recorder{}
			start := time.Now()
			err := connector.Call(ctx, testPath, session.Operation{"event": "echo"}, rec.Callback)

			Expect(err).To(MatchError(types.ErrConnectionFailed))
			Expect(time.Since(start)).To(BeNumerically(">=", 900*time.Millisecond))
			Expect(rec.All()).To(HaveLen(1))
			Expect(rec.All()[0].Done()).To(BeTrue())
			Expect(rec.All()[0].Error()).To(ContainSubstring("could not connect"))
		})

		It("should forget the port when the token is refused", func() {
			connector = newConnector(session.WithToken("wrong"))

			ports.EXPECT().GetPort(gomock.Any(), gomock.Any()).Return(server.Port(), nil).AnyTimes()
			ports.EXPECT().ForgetPort(configuration.DefaultSessionService).MinTimes(1)
			restarter.EXPECT().Restart(gomock.Any()).Return(nil).Times(1)

			err := connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)
			Expect(err).To(MatchError(types.ErrConnectionFailed))
			Expect(server.sessionsStarted.Load()).To(BeZero())
		})

		It("should stop waiting when the caller gives up", func() {
			ports.EXPECT().GetPort(gomock.Any(), gomock.Any()).Return(0, errors.New("no port file")).AnyTimes()
			restarter.EXPECT().Restart(gomock.Any()).Return(nil).AnyTimes()

			callCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
			defer cancel()

			err := connector.Call(callCtx, testPath, session.Operation{"event": "echo"}, nil)
			Expect(err).To(MatchError(context.DeadlineExceeded))

			// The acquisition carries on without the caller; wait for it by joining it.
			err = connector.Call(ctx, testPath, session.Operation{"event": "echo"}, nil)
			Expect(err).To(MatchError(types.ErrConnectionFailed))
		})
	})
})

var _ = Describe("Session process control", func() {
	var (
		mockCtrl  *gomock.Controller
		ports     *mock_session.MockPortRegistry
		signaler  *mock_session.MockProcessSignaler
		server    *fakeServer
		connector *session.Connector
		ctx       context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		ports = mock_session.NewMockPortRegistry(mockCtrl)
		signaler = mock_session.NewMockProcessSignaler(mockCtrl)
		server = newFakeServer()
		ctx = context.Background()

		ports.EXPECT().GetPort(gomock.Any(), gomock.Any()).Return(server.Port(), nil).AnyTimes()

		connector = mustConnector(session.NewConnector(testSessionOptions(), ports,
			session.NewRestartGovernor(mock_session.NewMockRestarter(mockCtrl), time.Minute, time.Second),
			session.WithToken(testToken), session.WithSignaler(signaler)))

		DeferCleanup(server.Close)
	})

	It("should forward signals to the session server process", func() {
		s := connector.Session(testPath)
		Expect(s.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())
		Expect(s.Pid()).To(Equal(testPid))

		signaler.EXPECT().Signal(testPid, unix.SIGINT).Return(nil).Times(1)
		signaler.EXPECT().Signal(testPid, unix.SIGTERM).Return(nil).Times(1)

		_, err := callSync(s, session.Operation{"event": session.EventSignal})
		Expect(err).ToNot(HaveOccurred())

		_, err = callSync(s, session.Operation{"event": session.EventSignal, "signal": float64(unix.SIGTERM)})
		Expect(err).ToNot(HaveOccurred())
	})

	It("should kill the process and fail pending operations when closed", func() {
		s := connector.Session(testPath)

		rec := &recorder{}
		Expect(s.Call(ctx, session.Operation{"event": "hang"}, rec.Callback)).To(Succeed())

		signaler.EXPECT().Signal(testPid, unix.SIGKILL).Return(nil).Times(1)

		Expect(s.Close()).To(Succeed())
		Expect(s.Close()).To(Succeed())

		Expect(rec.All()).To(Equal([]session.Response{{"done": true, "error": session.ErrorKilled}}))
		Expect(s.IsRunning()).To(BeFalse())
		Expect(connector.Len()).To(BeZero())

		failed := &recorder{}
		err := s.Call(ctx, session.Operation{"event": "echo"}, failed.Callback)
		Expect(err).To(MatchError(types.ErrSessionClosed))
		Expect(failed.All()).To(HaveLen(1))
		Expect(failed.All()[0].Done()).To(BeTrue())

		Consistently(rec.All, 200*time.Millisecond).Should(HaveLen(1))
	})

	It("should treat an already exited process as killed", func() {
		s := connector.Session(testPath)
		Expect(s.Call(ctx, session.Operation{"event": "echo"}, nil)).To(Succeed())

		signaler.EXPECT().Signal(testPid, unix.SIGKILL).Return(unix.ESRCH).Times(1)

		Expect(s.Close()).To(Succeed())
	})

	It("should give a new path a new session", func() {
		first := connector.Session(testPath)
		Expect(connector.Session(testPath)).To(BeIdenticalTo(first))
		Expect(connector.Session("/srv/work/other.sagews")).ToNot(BeIdenticalTo(first))
		Expect(connector.Paths()).To(ConsistOf(testPath, "/srv/work/other.sagews"))
	})
})

var _ = Describe("LoadSecretToken", func() {
	It("should trim the token file", func() {
		path := GinkgoT().TempDir() + "/secret_token"
		Expect(writeFile(path, "  s3cr3t\n")).To(Succeed())

		token, err := session.LoadSecretToken(path)
		Expect(err).ToNot(HaveOccurred())
		Expect(token).To(Equal("s3cr3t"))
	})

	It("should fail to create a connector when the token file is missing", func() {
		opts := testSessionOptions()
		opts.SecretTokenPath = "/nonexistent/secret_token"

		_, err := session.NewConnector(opts, nil, nil)
		Expect(err).To(HaveOccurred())
		Expect(strings.Contains(err.Error(), "secret token")).To(BeTrue())
	})
})
