package messaging

import (
	"context"
	"fmt"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"go.viam.com/birdview/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// RedisConfig configures a RedisPublisher.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// ChannelPrefix is joined with the sender id to name the channel, e.g. "perception.0".
	ChannelPrefix string
}

// redisClient is the part of *redis.Client the publisher uses.
type redisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes JSON envelopes on a Redis pub/sub channel.
type RedisPublisher struct {
	client  redisClient
	prefix  string
	logger  logging.Logger
	running atomic.Bool
}

// jsonEnvelope is the JSON form of an envelope on Redis.
type jsonEnvelope struct {
	DataType    int32       `json:"dataType"`
	Name        string      `json:"name"`
	SenderStamp uint32      `json:"senderStamp"`
	Sent        int64       `json:"sentMicros"`
	SampleTime  int64       `json:"sampleTimeMicros"`
	Message     interface{} `json:"message"`
}

// NewRedisPublisher connects to Redis and checks the connection with a ping.
func NewRedisPublisher(ctx context.Context, cfg RedisConfig, logger logging.Logger) (*RedisPublisher, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis publisher needs an address")
	}
	logger.Infof("Connecting to Redis at %s...", cfg.Addr)
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisPublisher(ctx, client, cfg.ChannelPrefix, logger)
}

func newRedisPublisher(ctx context.Context, client redisClient, prefix string, logger logging.Logger) (*RedisPublisher, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := client.Ping(pingCtx).Result(); err != nil {
		return nil, multierr.Combine(errors.Wrap(err, "cannot reach redis"), client.Close())
	}
	if prefix == "" {
		prefix = "perception"
	}
	p := &RedisPublisher{client: client, prefix: prefix, logger: logger}
	p.running.Store(true)
	logger.Info("Successfully connected to Redis")
	return p, nil
}

// Channel returns the channel messages from senderID are published on.
func (p *RedisPublisher) Channel(senderID uint32) string {
	return fmt.Sprintf("%s.%d", p.prefix, senderID)
}

// Send implements Sender.
func (p *RedisPublisher) Send(ctx context.Context, msg Message, sent time.Time, senderID uint32) error {
	if !p.running.Load() {
		return errors.New("redis publisher is closed")
	}
	payload, err := json.Marshal(jsonEnvelope{
		DataType:    msg.DataType(),
		Name:        msg.Name(),
		SenderStamp: senderID,
		Sent:        sent.UnixMicro(),
		SampleTime:  sent.UnixMicro(),
		Message:     msg,
	})
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.Channel(senderID), payload).Err(); err != nil {
		p.logger.Debugw("redis publish failed", "name", msg.Name(), "error", err)
		return errors.Wrapf(err, "publishing %s", msg.Name())
	}
	return nil
}

// IsRunning implements Sender.
func (p *RedisPublisher) IsRunning() bool {
	return p.running.Load()
}

// Close disconnects from Redis.
func (p *RedisPublisher) Close() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	return p.client.Close()
}
