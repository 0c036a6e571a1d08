package session

import (
	"context"
	"os"
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"github.com/scusemua/kernel-broker/common/configuration"
)

const DefaultHost = "127.0.0.1"

// ConnectorOption configures optional collaborators of a Connector.
type ConnectorOption func(*Connector)

// WithBlobStore sets where blobs sent by session servers are saved. Without one, blobs are refused.
func WithBlobStore(store BlobStore) ConnectorOption {
	return func(c *Connector) {
		c.blobs = store
	}
}

func WithSignaler(signaler ProcessSignaler) ConnectorOption {
	return func(c *Connector) {
		c.signaler = signaler
	}
}

func WithMetrics(metrics MetricsProvider) ConnectorOption {
	return func(c *Connector) {
		if metrics != nil {
			c.metrics = metrics
		}
	}
}

// WithToken sets the secret used to unlock sockets, overriding the token file named in the options.
func WithToken(token string) ConnectorOption {
	return func(c *Connector) {
		c.token = token
	}
}

// WithHost sets the host on which the session server listens, unless the PortRegistry is an AddressRegistry
// that reports one.
func WithHost(host string) ConnectorOption {
	return func(c *Connector) {
		c.host = host
	}
}

// Connector keeps at most one Session per path and shares the collaborators those sessions need.
type Connector struct {
	log logger.Logger

	opts     *configuration.SessionOptions
	ports    PortRegistry
	governor *RestartGovernor
	blobs    BlobStore
	signaler ProcessSignaler
	metrics  MetricsProvider
	token    string
	host     string

	sessions cmap.ConcurrentMap[string, *Session]
}

// NewConnector creates a Connector.
//
// If opts is nil, the default options are used. The secret token is read from opts.SecretTokenPath, and
// WithToken overrides it.
func NewConnector(opts *configuration.SessionOptions, ports PortRegistry, governor *RestartGovernor, options ...ConnectorOption) (*Connector, error) {
	if opts == nil {
		opts = configuration.DefaultSessionOptions()
	}
	_ = opts.Validate()

	connector := &Connector{
		opts:     opts,
		ports:    ports,
		governor: governor,
		signaler: UnixSignaler{},
		metrics:  noopMetrics{},
		host:     DefaultHost,
		sessions: cmap.New[*Session](),
	}
	config.InitLogger(&connector.log, connector)

	if opts.SecretTokenPath != "" {
		token, err := LoadSecretToken(opts.SecretTokenPath)
		if err != nil {
			return nil, err
		}
		connector.token = token
	}

	for _, option := range options {
		option(connector)
	}

	return connector, nil
}

// LoadSecretToken reads the secret token stored in the file at path.
func LoadSecretToken(path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read secret token from \"%s\"", path)
	}

	return strings.TrimSpace(string(contents)), nil
}

// Session returns the live Session of the given path, creating it if necessary. Creating a Session does not open
// a socket. A Session stays registered until it is closed, either explicitly or because its socket ended.
func (c *Connector) Session(path string) *Session {
	session := c.sessions.Upsert(path, nil, func(exist bool, valueInMap *Session, _ *Session) *Session {
		if exist && !valueInMap.isClosed() {
			return valueInMap
		}

		return newSession(c, path)
	})
	c.metrics.SetActiveSessions(c.sessions.Count())

	return session
}

// Call passes op to the Session of the given path.
func (c *Connector) Call(ctx context.Context, path string, op Operation, cb Callback) error {
	return c.Session(path).Call(ctx, op, cb)
}

// Lookup returns the Session of the given path if there is one.
func (c *Connector) Lookup(path string) (*Session, bool) {
	return c.sessions.Get(path)
}

// Paths returns the paths of every live Session.
func (c *Connector) Paths() []string {
	return c.sessions.Keys()
}

func (c *Connector) Len() int {
	return c.sessions.Count()
}

// remove drops session from the registry, unless its path already maps to another Session.
func (c *Connector) remove(session *Session) {
	c.sessions.RemoveCb(session.path, func(_ string, v *Session, exists bool) bool {
		return exists && v == session
	})
	c.metrics.SetActiveSessions(c.sessions.Count())
}

// CloseAll closes every Session.
func (c *Connector) CloseAll() {
	for _, session := range c.sessions.Items() {
		session.Close()
	}
}
