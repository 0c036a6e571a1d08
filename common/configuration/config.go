package configuration

import (
	"log"
	"strings"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultPoolSize              = 2
	DefaultIdleTimeoutSeconds    = 3600
	DefaultInitStaggerMillis     = 3000
	DefaultKernelInitTimeoutSecs = 120

	DefaultSessionStartupTimeoutSeconds = 60
	DefaultBackoffInitialMillis         = 50
	DefaultBackoffMaxMillis             = 5000
	DefaultBackoffFactor                = 1.5
	DefaultRestartTimeoutSeconds        = 45
	DefaultRestartCommand               = "smc-sage-server restart"
	DefaultSessionService               = "sage"

	BlobStoreNone  = "none"
	BlobStoreLocal = "local"
	BlobStoreRedis = "redis"
	BlobStoreS3    = "s3"

	DefaultRedisAddress  = "localhost:6379"
	DefaultAwsRegion     = "us-east-1"
	DefaultS3Bucket      = "kernel-broker-blobs"
	DefaultBlobDirectory = "blobs"
)

// KernelPoolOptions configures the pool of pre-warmed kernels.
type KernelPoolOptions struct {
	PoolSize              int    `name:"pool-size"                json:"pool-size"                yaml:"pool-size"                description:"Number of warm kernels kept per kernel name."`
	IdleTimeoutSeconds    int    `name:"pool-idle-timeout"        json:"pool-idle-timeout"        yaml:"pool-idle-timeout"        description:"Seconds without requests after which a pool is shrunk to its floor. 0 disables eviction."`
	InitStaggerMillis     int    `name:"pool-init-stagger"        json:"pool-init-stagger"        yaml:"pool-init-stagger"        description:"Delay in milliseconds between the background starts of kernels created by one refill."`
	InitTimeoutSeconds    int    `name:"pool-init-timeout"        json:"pool-init-timeout"        yaml:"pool-init-timeout"        description:"Maximum number of seconds a kernel may take to start."`
	PrewarmKernels        string `name:"prewarm-kernels"          json:"prewarm-kernels"          yaml:"prewarm-kernels"          description:"Comma-separated kernel names whose pools are filled at startup."`
	DisableIdleEviction   bool   `name:"disable-idle-eviction"    json:"disable-idle-eviction"    yaml:"disable-idle-eviction"    description:"Never shrink idle pools."`
	TempDirectoryPrefix   string `name:"temp-directory-prefix"    json:"temp-directory-prefix"    yaml:"temp-directory-prefix"    description:"Prefix of the scratch directories created for pooled kernels."`

	// KernelSpecs maps a kernel name to the argv used to start it.
	KernelSpecs map[string][]string `json:"kernel-specs" yaml:"kernel-specs"`
}

// IdleTimeout returns the configured idle timeout as a time.Duration.
func (o *KernelPoolOptions) IdleTimeout() time.Duration {
	if o.DisableIdleEviction {
		return 0
	}

	return time.Duration(o.IdleTimeoutSeconds) * time.Second
}

// InitStagger returns the configured initialization stagger as a time.Duration.
func (o *KernelPoolOptions) InitStagger() time.Duration {
	return time.Duration(o.InitStaggerMillis) * time.Millisecond
}

// InitTimeout returns the configured initialization timeout as a time.Duration.
func (o *KernelPoolOptions) InitTimeout() time.Duration {
	return time.Duration(o.InitTimeoutSeconds) * time.Second
}

// PrewarmKernelNames returns the parsed list of kernel names to pre-warm at startup.
func (o *KernelPoolOptions) PrewarmKernelNames() []string {
	names := make([]string, 0)
	for _, name := range strings.Split(o.PrewarmKernels, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			names = append(names, name)
		}
	}

	return names
}

// Validate replaces unset or invalid values with their defaults.
func (o *KernelPoolOptions) Validate() error {
	if o.PoolSize <= 0 {
		log.Printf("[WARNING] Invalid pool size specified: %d. Defaulting to %d.\n", o.PoolSize, DefaultPoolSize)
		o.PoolSize = DefaultPoolSize
	}

	if o.IdleTimeoutSeconds < 0 {
		log.Printf("[WARNING] Invalid pool idle timeout specified: %d. Defaulting to %d.\n",
			o.IdleTimeoutSeconds, DefaultIdleTimeoutSeconds)
		o.IdleTimeoutSeconds = DefaultIdleTimeoutSeconds
	}

	if o.InitStaggerMillis < 0 {
		o.InitStaggerMillis = DefaultInitStaggerMillis
	}

	if o.InitTimeoutSeconds <= 0 {
		o.InitTimeoutSeconds = DefaultKernelInitTimeoutSecs
	}

	if o.TempDirectoryPrefix == "" {
		o.TempDirectoryPrefix = "kernel-broker"
	}

	if o.KernelSpecs == nil {
		o.KernelSpecs = make(map[string][]string)
	}

	return nil
}

// DefaultKernelPoolOptions returns a KernelPoolOptions populated with default values.
func DefaultKernelPoolOptions() *KernelPoolOptions {
	return &KernelPoolOptions{
		PoolSize:            DefaultPoolSize,
		IdleTimeoutSeconds:  DefaultIdleTimeoutSeconds,
		InitStaggerMillis:   DefaultInitStaggerMillis,
		InitTimeoutSeconds:  DefaultKernelInitTimeoutSecs,
		TempDirectoryPrefix: "kernel-broker",
		KernelSpecs:         make(map[string][]string),
	}
}

// SessionOptions configures the session connector and the backing session server.
type SessionOptions struct {
	Service               string  `name:"session-service"          json:"session-service"          yaml:"session-service"          description:"Name of the backing service whose port is looked up."`
	PortDirectory         string  `name:"port-directory"           json:"port-directory"           yaml:"port-directory"           description:"Directory containing '<service>.port' files."`
	SecretTokenPath       string  `name:"secret-token"             json:"secret-token"             yaml:"secret-token"             description:"Path of the file holding the shared secret used to unlock sockets."`
	RestartCommand        string  `name:"restart-command"          json:"restart-command"          yaml:"restart-command"          description:"Shell command that restarts the session server."`
	StartupTimeoutSeconds int     `name:"session-startup-timeout"  json:"session-startup-timeout"  yaml:"session-startup-timeout"  description:"Seconds allowed to obtain a socket, and the minimum spacing between server restarts."`
	RestartTimeoutSeconds int     `name:"restart-timeout"          json:"restart-timeout"          yaml:"restart-timeout"          description:"Seconds after which the restart command is killed."`
	BackoffInitialMillis  int     `name:"backoff-initial"          json:"backoff-initial"          yaml:"backoff-initial"          description:"Initial delay in milliseconds between connection attempts."`
	BackoffMaxMillis      int     `name:"backoff-max"              json:"backoff-max"              yaml:"backoff-max"              description:"Maximum delay in milliseconds between connection attempts."`
	BackoffFactor         float64 `name:"backoff-factor"           json:"backoff-factor"           yaml:"backoff-factor"           description:"Multiplicative growth of the delay between connection attempts."`
	ConsulAddr            string  `name:"consul"                   json:"consul"                   yaml:"consul"                   description:"Consul agent address. When set, ports are discovered through the Consul catalog."`

	BlobStore      string `name:"blob-store"      json:"blob-store"      yaml:"blob-store"      description:"Where blobs produced by sessions are saved: 'none', 'local', 'redis' or 's3'."`
	BlobDirectory  string `name:"blob-directory"  json:"blob-directory"  yaml:"blob-directory"  description:"Directory in which blobs are saved when using blob-store='local'."`
	BlobTTLSeconds int    `name:"blob-ttl"        json:"blob-ttl"        yaml:"blob-ttl"        description:"Seconds after which saved blobs expire in redis. Zero keeps them forever."`
	RedisAddress   string `name:"redis-address"   json:"redis-address"   yaml:"redis-address"`
	RedisPassword  string `name:"redis-password"  json:"redis-password"  yaml:"redis-password"`
	RedisDatabase  int    `name:"redis-database"  json:"redis-database"  yaml:"redis-database"`
	S3Bucket       string `name:"s3-bucket"       json:"s3-bucket"       yaml:"s3-bucket"`
	AwsRegion      string `name:"aws-region"      json:"aws-region"      yaml:"aws-region"`
}

func (o *SessionOptions) StartupTimeout() time.Duration {
	return time.Duration(o.StartupTimeoutSeconds) * time.Second
}

func (o *SessionOptions) RestartTimeout() time.Duration {
	return time.Duration(o.RestartTimeoutSeconds) * time.Second
}

func (o *SessionOptions) BackoffInitial() time.Duration {
	return time.Duration(o.BackoffInitialMillis) * time.Millisecond
}

func (o *SessionOptions) BackoffMax() time.Duration {
	return time.Duration(o.BackoffMaxMillis) * time.Millisecond
}

func (o *SessionOptions) BlobTTL() time.Duration {
	return time.Duration(o.BlobTTLSeconds) * time.Second
}

// Validate replaces unset or invalid values with their defaults.
func (o *SessionOptions) Validate() error {
	if o.Service == "" {
		o.Service = DefaultSessionService
	}

	if o.RestartCommand == "" {
		o.RestartCommand = DefaultRestartCommand
	}

	if o.StartupTimeoutSeconds <= 0 {
		log.Printf("[WARNING] Using default session startup timeout: %d seconds.\n", DefaultSessionStartupTimeoutSeconds)
		o.StartupTimeoutSeconds = DefaultSessionStartupTimeoutSeconds
	}

	if o.RestartTimeoutSeconds <= 0 {
		o.RestartTimeoutSeconds = DefaultRestartTimeoutSeconds
	}

	if o.BackoffInitialMillis <= 0 {
		o.BackoffInitialMillis = DefaultBackoffInitialMillis
	}

	if o.BackoffMaxMillis < o.BackoffInitialMillis {
		o.BackoffMaxMillis = DefaultBackoffMaxMillis
	}

	if o.BackoffFactor <= 1.0 {
		o.BackoffFactor = DefaultBackoffFactor
	}

	switch o.BlobStore {
	case "", BlobStoreNone:
		o.BlobStore = BlobStoreNone
	case BlobStoreLocal:
		if o.BlobDirectory == "" {
			o.BlobDirectory = DefaultBlobDirectory
		}
	case BlobStoreRedis:
		if o.RedisAddress == "" {
			log.Printf("[WARNING] \"redis-address\" is not set while using blob-store=\"redis\". Using default value: \"%s\".\n",
				DefaultRedisAddress)
			o.RedisAddress = DefaultRedisAddress
		}
	case BlobStoreS3:
		if o.S3Bucket == "" {
			log.Printf("[WARNING] \"s3-bucket\" is not set while using blob-store=\"s3\". Using default value: \"%s\".\n",
				DefaultS3Bucket)
			o.S3Bucket = DefaultS3Bucket
		}
		if o.AwsRegion == "" {
			o.AwsRegion = DefaultAwsRegion
		}
	default:
		log.Printf("[WARNING] Unknown blob store \"%s\". Blobs will not be saved.\n", o.BlobStore)
		o.BlobStore = BlobStoreNone
	}

	return nil
}

// DefaultSessionOptions returns a SessionOptions populated with default values.
func DefaultSessionOptions() *SessionOptions {
	opts := &SessionOptions{}
	_ = opts.Validate()
	return opts
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *SessionOptions) PrettyString(indentSize int) string {
	return prettyString(o, indentSize)
}

func (o *SessionOptions) String() string {
	return compactString(o)
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *KernelPoolOptions) PrettyString(indentSize int) string {
	return prettyString(o, indentSize)
}

func (o *KernelPoolOptions) String() string {
	return compactString(o)
}

func prettyString(v interface{}, indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(v, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func compactString(v interface{}) string {
	m, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}

	return string(m)
}
