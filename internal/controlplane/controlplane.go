// Package controlplane coordinates workers over Redis pub/sub and a shared
// cache. When Redis is unreachable at startup it degrades to a process-local
// cache: publishes become no-ops and metric events are dropped, but no method
// changes its signature or return contract.
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/meetbot/pkg/logger"
	"github.com/shehryarbajwa/meetbot/pkg/models"
)

// Mode reports which backend is serving the control plane.
type Mode string

const (
	ModeRedis  Mode = "redis"
	ModeMemory Mode = "memory-fallback"
)

const metricsKey = "metrics"

// Handler receives messages from a subscription.
type Handler func(ctx context.Context, msg models.ControlMessage)

// Options configure Connect.
type Options struct {
	URL            string
	KeyPrefix      string
	WorkerID       string
	ConnectTimeout time.Duration
	OpTimeout      time.Duration
	MetricsLimit   int64
}

func (o *Options) defaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.OpTimeout <= 0 {
		o.OpTimeout = 3 * time.Second
	}
	if o.MetricsLimit <= 0 {
		o.MetricsLimit = 1000
	}
}

// ControlPlane is safe for concurrent use.
type ControlPlane struct {
	opts  Options
	rdb   *redis.Client
	mode  Mode
	cache *memoryCache
	now   func() time.Time
	log   *zap.Logger

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

// Connect pings Redis and falls back to memory mode when it cannot.
func Connect(ctx context.Context, opts Options) *ControlPlane {
	opts.defaults()
	cp := newControlPlane(opts)

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		cp.log.Warn("invalid redis url, using memory fallback", zap.Error(err))
		return cp
	}
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.OpTimeout
	redisOpts.WriteTimeout = opts.OpTimeout
	redisOpts.MaxRetries = 3

	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		cp.log.Warn("redis unavailable, using memory fallback", zap.String("addr", redisOpts.Addr), zap.Error(err))
		return cp
	}

	cp.rdb = client
	cp.mode = ModeRedis
	cp.log.Info("redis connected", zap.String("addr", redisOpts.Addr))
	return cp
}

// NewMemory returns a control plane that never leaves the process.
func NewMemory(opts Options) *ControlPlane {
	opts.defaults()
	return newControlPlane(opts)
}

func newControlPlane(opts Options) *ControlPlane {
	return &ControlPlane{
		opts:  opts,
		mode:  ModeMemory,
		cache: newMemoryCache(),
		now:   time.Now,
		log:   logger.WithModule("controlplane"),
	}
}

// Mode returns the active backend.
func (c *ControlPlane) Mode() Mode { return c.mode }

// Publish sends msg on channel. In memory mode it is a no-op.
func (c *ControlPlane) Publish(ctx context.Context, channel string, msg models.ControlMessage) error {
	if c.rdb == nil {
		c.log.Debug("publish skipped in memory mode", zap.String("channel", channel), zap.String("meeting_id", msg.MeetingID))
		return nil
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = c.now().UTC()
	}
	if msg.WorkerID == "" {
		msg.WorkerID = c.opts.WorkerID
	}
	msg.Channel = channel

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	if err := c.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe delivers messages from channels to handler on a dedicated
// goroutine until Close. It returns once the subscription is active.
func (c *ControlPlane) Subscribe(ctx context.Context, handler Handler, channels ...string) error {
	if c.rdb == nil {
		c.log.Info("subscriptions inactive in memory mode", zap.Strings("channels", channels))
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("control plane closed")
	}
	c.mu.Unlock()

	pubsub := c.rdb.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("subscribe: %w", err)
	}

	c.mu.Lock()
	c.subs = append(c.subs, pubsub)
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for m := range pubsub.Channel() {
			var msg models.ControlMessage
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				c.log.Warn("dropping malformed control message", zap.String("channel", m.Channel), zap.Error(err))
				continue
			}
			msg.Channel = m.Channel
			handler(context.Background(), msg)
		}
	}()

	c.log.Info("subscriptions active", zap.Strings("channels", channels))
	return nil
}

// SetCache stores value as JSON under key for ttl. A Redis failure falls
// back to the local cache for this call.
func (c *ControlPlane) SetCache(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode cache value: %w", err)
	}

	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()
		err := c.rdb.Set(ctx, c.key(key), payload, ttl).Err()
		if err == nil {
			return nil
		}
		c.log.Warn("cache set failed, using memory", zap.String("key", key), zap.Error(err))
	}

	c.cache.set(key, payload, ttl)
	return nil
}

// GetCache decodes the value under key into dest and reports whether it
// was present.
func (c *ControlPlane) GetCache(ctx context.Context, key string, dest interface{}) (bool, error) {
	if c.rdb != nil {
		ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
		defer cancel()
		payload, err := c.rdb.Get(ctx, c.key(key)).Bytes()
		switch {
		case err == nil:
			return true, json.Unmarshal(payload, dest)
		case errors.Is(err, redis.Nil):
		default:
			c.log.Warn("cache get failed, using memory", zap.String("key", key), zap.Error(err))
		}
	}

	payload, ok := c.cache.get(key)
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(payload, dest)
}

type metricEvent struct {
	Type      string            `json:"type"`
	Value     float64           `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
	WorkerID  string            `json:"workerId"`
	Timestamp time.Time         `json:"timestamp"`
}

// RecordMetric appends a metric event to the shared list, keeping the most
// recent entries only. Dropped in memory mode.
func (c *ControlPlane) RecordMetric(ctx context.Context, metricType string, value float64, tags map[string]string) {
	if c.rdb == nil {
		return
	}

	payload, err := json.Marshal(metricEvent{
		Type:      metricType,
		Value:     value,
		Tags:      tags,
		WorkerID:  c.opts.WorkerID,
		Timestamp: c.now().UTC(),
	})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, c.opts.OpTimeout)
	defer cancel()
	key := c.key(metricsKey)
	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, payload)
		pipe.LTrim(ctx, key, 0, c.opts.MetricsLimit-1)
		return nil
	})
	if err != nil {
		c.log.Debug("metric dropped", zap.String("type", metricType), zap.Error(err))
	}
}

// Close ends subscriptions and releases the Redis connection.
func (c *ControlPlane) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	var errs error
	for _, sub := range subs {
		errs = multierr.Append(errs, sub.Close())
	}
	c.wg.Wait()

	if c.rdb != nil {
		errs = multierr.Append(errs, c.rdb.Close())
	}
	c.cache.clear()
	return errs
}

func (c *ControlPlane) key(k string) string {
	return c.opts.KeyPrefix + k
}
