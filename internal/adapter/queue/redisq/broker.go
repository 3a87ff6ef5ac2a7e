// Package redisq provides the Redis-list queue broker client.
//
// Jobs travel as bare job ids on per-worker and per-capability lists;
// results travel as JSON documents on a single shared list. Push is LPUSH,
// pop is RPOP/BRPOP, so each list behaves as a FIFO queue.
package redisq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/benchfleet/internal/config"
	"github.com/fairyhunter13/benchfleet/internal/domain"
)

// Broker wraps a Redis client and implements domain.JobQueue and
// domain.ResultQueue over plain lists.
type Broker struct {
	client *redis.Client
	host   string
	port   int
	db     int
}

// New constructs a Broker from config. It does not dial; call Ping or
// ConnectWithRetry to verify connectivity.
func New(cfg config.Config) *Broker {
	return NewWithOptions(cfg.RedisHost, cfg.RedisPort, cfg.RedisPassword, cfg.RedisDB, cfg.RedisSSL)
}

// NewWithOptions constructs a Broker from raw connection parameters. The
// worker agent uses this; the orchestrator goes through New(cfg).
func NewWithOptions(host string, port int, password string, db int, ssl bool) *Broker {
	opts := &redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	}
	if ssl {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Broker{
		client: redis.NewClient(opts),
		host:   host,
		port:   port,
		db:     db,
	}
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client, host: "test", port: 0, db: 0}
}

// Ping checks broker connectivity.
func (b *Broker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	return nil
}

// ConnectWithRetry pings the broker with exponential backoff until it
// answers or maxElapsed passes. The caller decides whether a dead broker is
// fatal; the orchestrator starts anyway and lets routes degrade.
func (b *Broker) ConnectWithRetry(ctx context.Context, maxElapsed time.Duration) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 500 * time.Millisecond
	policy.MaxInterval = 5 * time.Second
	policy.MaxElapsedTime = maxElapsed

	attempt := 0
	op := func() error {
		attempt++
		err := b.client.Ping(ctx).Err()
		if err != nil {
			slog.Warn("broker ping failed",
				slog.Int("attempt", attempt),
				slog.String("addr", fmt.Sprintf("%s:%d", b.host, b.port)),
				slog.Any("error", err))
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(policy, ctx)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBrokerUnavailable, err)
	}
	slog.Info("broker connected", slog.String("addr", fmt.Sprintf("%s:%d", b.host, b.port)), slog.Int("db", b.db))
	return nil
}

// Close releases the underlying client.
func (b *Broker) Close() error {
	return b.client.Close()
}

// PushJob enqueues a bare job id onto the named queue.
func (b *Broker) PushJob(ctx context.Context, queue, jobID string) error {
	if err := b.client.LPush(ctx, queue, jobID).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", domain.ErrBrokerUnavailable, queue, err)
	}
	return nil
}

// PopJob tries each queue in order without blocking. The first queue with a
// waiting job wins; empty jobID means every queue was empty.
func (b *Broker) PopJob(ctx context.Context, queues []string) (string, string, error) {
	for _, q := range queues {
		jobID, err := b.client.RPop(ctx, q).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("%w: rpop %s: %v", domain.ErrBrokerUnavailable, q, err)
		}
		return q, jobID, nil
	}
	return "", "", nil
}

// PopJobBlocking waits up to timeout for a job on any of the queues. BRPOP
// scans the queues in the given order, so the personal queue keeps priority.
func (b *Broker) PopJobBlocking(ctx context.Context, queues []string, timeout time.Duration) (string, string, error) {
	vals, err := b.client.BRPop(ctx, timeout, queues...).Result()
	if errors.Is(err, redis.Nil) {
		return "", "", nil
	}
	if err != nil {
		return "", "", fmt.Errorf("%w: brpop: %v", domain.ErrBrokerUnavailable, err)
	}
	// BRPOP returns [queue, value]
	if len(vals) != 2 {
		return "", "", fmt.Errorf("%w: brpop returned %d values", domain.ErrInternal, len(vals))
	}
	return vals[0], vals[1], nil
}

// QueueLen reports the number of waiting entries on one queue.
func (b *Broker) QueueLen(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, queue).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: llen %s: %v", domain.ErrBrokerUnavailable, queue, err)
	}
	return n, nil
}

// PushResult publishes a result document onto the shared results list.
func (b *Broker) PushResult(ctx context.Context, r domain.Result) error {
	payload, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("%w: marshal result: %v", domain.ErrInternal, err)
	}
	if err := b.client.LPush(ctx, domain.ResultsQueue, payload).Err(); err != nil {
		return fmt.Errorf("%w: lpush %s: %v", domain.ErrBrokerUnavailable, domain.ResultsQueue, err)
	}
	return nil
}

// PopResult blocks up to timeout on the results list. A nil result with nil
// error means the list was idle. Malformed documents are logged and dropped
// so one bad message cannot wedge the consumer.
func (b *Broker) PopResult(ctx context.Context, timeout time.Duration) (*domain.Result, error) {
	vals, err := b.client.BRPop(ctx, timeout, domain.ResultsQueue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: brpop %s: %v", domain.ErrBrokerUnavailable, domain.ResultsQueue, err)
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("%w: brpop returned %d values", domain.ErrInternal, len(vals))
	}
	var r domain.Result
	if err := json.Unmarshal([]byte(vals[1]), &r); err != nil {
		slog.Warn("dropping malformed result document", slog.Any("error", err))
		return nil, nil
	}
	return &r, nil
}

// HealthInfo is the broker block of the /api/health response.
type HealthInfo struct {
	Connected bool   `json:"connected"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DB        int    `json:"db"`
	Timestamp string `json:"timestamp"`
	Error     string `json:"error,omitempty"`
}

// Health reports connectivity plus connection parameters.
func (b *Broker) Health(ctx context.Context) HealthInfo {
	info := HealthInfo{
		Host:      b.host,
		Port:      b.port,
		DB:        b.db,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if err := b.client.Ping(ctx).Err(); err != nil {
		info.Error = err.Error()
		return info
	}
	info.Connected = true
	return info
}
