package storage

import (
	"context"
	"errors"
	"time"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"
	"github.com/redis/go-redis/v9"
)

// RedisProvider implements the Provider API for redis.
type RedisProvider struct {
	*baseProvider

	log logger.Logger

	address       string
	databaseIndex int
	password      string
	ttl           time.Duration

	redisClient *redis.Client
}

func NewRedisProvider(address string) *RedisProvider {
	provider := &RedisProvider{
		baseProvider:  newBaseProvider(),
		address:       address,
		databaseIndex: 0,
		password:      "",
	}
	config.InitLogger(&provider.log, provider)

	return provider
}

// Close disconnects from Redis. Closing a RedisProvider that is not connected is a no-op.
func (p *RedisProvider) Close() error {
	p.setStatus(Disconnected)

	client := p.redisClient
	p.redisClient = nil
	if client == nil {
		return nil
	}

	return client.Close()
}

// SetDatabase sets the database number to use when connecting to Redis.
//
// If the RedisProvider is already connected to Redis, then changing the database number will not have an effect
// unless the RedisProvider reconnects to Redis.
func (p *RedisProvider) SetDatabase(db int) {
	p.databaseIndex = db
}

// SetRedisPassword sets the password to use when connecting to Redis.
//
// If the RedisProvider is already connected to Redis, then changing the password will not have an effect
// unless the RedisProvider attempts to reconnect to Redis.
func (p *RedisProvider) SetRedisPassword(password string) {
	p.password = password
}

// SetTTL sets how long saved blobs are kept. Zero keeps them forever.
func (p *RedisProvider) SetTTL(ttl time.Duration) {
	p.ttl = ttl
}

func (p *RedisProvider) Connect(ctx context.Context) error {
	p.setStatus(Connecting)

	p.redisClient = redis.NewClient(&redis.Options{
		Addr:     p.address,
		Password: p.password,
		DB:       p.databaseIndex,
	})

	if err := p.redisClient.Ping(ctx).Err(); err != nil {
		p.log.Error("Failed to connect to Redis at %s: %v", p.address, err)
		p.setStatus(Disconnected)
		return err
	}

	p.setStatus(Connected)
	p.log.Debug("Connected to Redis at %s (database %d).", p.address, p.databaseIndex)

	return nil
}

func (p *RedisProvider) SaveBlob(ctx context.Context, id string, blob []byte) error {
	if err := p.checkConnected(); err != nil {
		return err
	}
	if err := validateBlobID(id); err != nil {
		return err
	}

	if err := p.redisClient.Set(ctx, blobKey(id), blob, p.ttl).Err(); err != nil {
		p.log.Error("Failed to write blob %s to Redis: %v", id, err)
		return err
	}

	return nil
}

func (p *RedisProvider) LoadBlob(ctx context.Context, id string) ([]byte, error) {
	if err := p.checkConnected(); err != nil {
		return nil, err
	}
	if err := validateBlobID(id); err != nil {
		return nil, err
	}

	blob, err := p.redisClient.Get(ctx, blobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrBlobNotFound
	}

	return blob, err
}
