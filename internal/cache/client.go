package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds Redis configuration.
type Config struct {
	// Connection settings
	Addr     string `mapstructure:"addr" yaml:"addr" json:"addr"`
	Password string `mapstructure:"password" yaml:"password" json:"password"`
	DB       int    `mapstructure:"db" yaml:"db" json:"db"`

	// Pool settings
	PoolSize        int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns" yaml:"min_idle_conns" json:"min_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
	PoolTimeout     time.Duration `mapstructure:"pool_timeout" yaml:"pool_timeout" json:"pool_timeout"`

	// Operational settings
	MaxRetries      int           `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff" yaml:"min_retry_backoff" json:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff" yaml:"max_retry_backoff" json:"max_retry_backoff"`

	// Timeout settings
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`

	// Cluster settings
	EnableCluster bool     `mapstructure:"enable_cluster" yaml:"enable_cluster" json:"enable_cluster"`
	ClusterAddrs  []string `mapstructure:"cluster_addrs" yaml:"cluster_addrs" json:"cluster_addrs"`
}

// DefaultConfig returns a configuration tuned for the order-state workload:
// many small reads and pipelined writes on the execution path.
func DefaultConfig() *Config {
	return &Config{
		Addr:     "localhost:6379",
		Password: "",
		DB:       0,

		PoolSize:        100,
		MinIdleConns:    20,
		ConnMaxLifetime: time.Hour * 24,
		ConnMaxIdleTime: time.Minute * 5,
		PoolTimeout:     time.Second * 4,

		MaxRetries:      3,
		MinRetryBackoff: time.Millisecond * 8,
		MaxRetryBackoff: time.Millisecond * 512,

		DialTimeout:  time.Second * 5,
		ReadTimeout:  time.Millisecond * 500,
		WriteTimeout: time.Millisecond * 500,

		EnableCluster: false,
		ClusterAddrs:  nil,
	}
}

// Client wraps the Redis connection shared by every component of the
// order-state layer. Constructed once at process start and passed by
// reference; there is no package-level singleton.
type Client struct {
	rdb    redis.UniversalClient
	config *Config
	logger *zap.SugaredLogger
}

// NewClient connects to Redis and verifies the connection with a ping.
func NewClient(config *Config, logger *zap.SugaredLogger) (*Client, error) {
	var rdb redis.UniversalClient

	if config.EnableCluster {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    config.ClusterAddrs,
			Password: config.Password,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     config.Addr,
			Password: config.Password,
			DB:       config.DB,

			PoolSize:        config.PoolSize,
			MinIdleConns:    config.MinIdleConns,
			ConnMaxLifetime: config.ConnMaxLifetime,
			ConnMaxIdleTime: config.ConnMaxIdleTime,
			PoolTimeout:     config.PoolTimeout,

			MaxRetries:      config.MaxRetries,
			MinRetryBackoff: config.MinRetryBackoff,
			MaxRetryBackoff: config.MaxRetryBackoff,

			DialTimeout:  config.DialTimeout,
			ReadTimeout:  config.ReadTimeout,
			WriteTimeout: config.WriteTimeout,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client := &Client{
		rdb:    rdb,
		config: config,
		logger: logger,
	}

	logger.Infow("Redis client connected",
		"addr", config.Addr,
		"db", config.DB,
		"pool_size", config.PoolSize,
		"cluster_mode", config.EnableCluster,
	)

	return client, nil
}

// Redis returns the underlying Redis client.
func (c *Client) Redis() redis.UniversalClient {
	return c.rdb
}

// NewTagBatch starts a same-partition atomic batch on this client.
func (c *Client) NewTagBatch() *TagBatch {
	return NewTagBatch(c.rdb)
}

// ScanKeys collects every key matching pattern. Used by reconciliation to
// enumerate holdings by key pattern instead of trusting the order index,
// since cache and index may have drifted independently.
func (c *Client) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %q: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

// Health checks the health of the Redis connection.
func (c *Client) Health(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}
