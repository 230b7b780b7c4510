package redisstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/trickstertwo/txbus"
)

// Transport implements txbus.TransactionalTransport on Redis Streams.
// Half messages live in hashes under KeyPrefix and are indexed by a sorted
// set scored with their next check time.
type Transport struct {
	cfg       Config
	client    redis.UniversalClient
	ownClient bool
	clock     clockwork.Clock
	logger    zerolog.Logger

	closed atomic.Bool

	checkMu sync.RWMutex
	checker txbus.CheckFunc
	claim   *redis.Script
	count   *redis.Script

	stopCheck context.CancelFunc
	checkDone chan struct{}

	// delivery pool to reduce per-message allocations
	dpool sync.Pool

	// metrics for observability
	metrics *transportMetrics
}

// transportMetrics tracks performance telemetry
type transportMetrics struct {
	published     atomic.Uint64
	consumed      atomic.Uint64
	acked         atomic.Uint64
	nacked        atomic.Uint64
	poolHits      atomic.Uint64
	poolMisses    atomic.Uint64
	publishErrors atomic.Uint64
	consumeErrors atomic.Uint64
	staged        atomic.Uint64
	stageErrors   atomic.Uint64
	committed     atomic.Uint64
	rolledBack    atomic.Uint64
	checks        atomic.Uint64
	checkExpired  atomic.Uint64
}

var _ txbus.TransactionalTransport = (*Transport)(nil)

// NewTransport dials Redis and returns a transport that owns the client.
func NewTransport(cfg Config, opts ...Option) (*Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ropts := &redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 5,
	}

	if cfg.TLS {
		ropts.TLSConfig = &tls.Config{
			MinVersion:    tls.VersionTLS12,
			ServerName:    cfg.TLSServerName,
			Renegotiation: tls.RenegotiateNever,
		}
	}

	client := redis.NewClient(ropts)
	if err := ping(client); err != nil {
		_ = client.Close()
		return nil, err
	}

	t := newTransport(client, cfg, opts)
	t.ownClient = true
	return t, nil
}

// NewTransportWithClient wraps an existing client. Close leaves the client open.
func NewTransportWithClient(client redis.UniversalClient, cfg Config, opts ...Option) (*Transport, error) {
	if client == nil {
		return nil, errors.New("redisstream: nil client")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return newTransport(client, cfg, opts), nil
}

func newTransport(client redis.UniversalClient, cfg Config, opts []Option) *Transport {
	t := &Transport{
		cfg:     cfg,
		client:  client,
		clock:   clockwork.NewRealClock(),
		logger:  zerolog.Nop(),
		claim:   redis.NewScript(claimScript),
		count:   redis.NewScript(countCheckScript),
		metrics: &transportMetrics{},
		dpool: sync.Pool{
			New: func() interface{} { return new(delivery) },
		},
	}
	for _, o := range opts {
		if o != nil {
			o(t)
		}
	}
	if cfg.CheckLoop {
		ctx, cancel := context.WithCancel(context.Background())
		t.stopCheck = cancel
		t.checkDone = make(chan struct{})
		go t.checkLoop(ctx)
	}
	return t
}

// Client exposes the underlying Redis client.
func (t *Transport) Client() redis.UniversalClient { return t.client }

func (t *Transport) xaddArgs(topic string, vals map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{
		Stream: topic,
		ID:     "*", // Let Redis generate ID
		Values: vals,
	}
	// Approximate trimming to keep stream bounded
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

// encodeFields flattens a message into stream entry values.
func encodeFields(m *txbus.Message, extra int) map[string]any {
	vals := make(map[string]any, 7+extra+len(m.Metadata))

	if m.ID != "" {
		vals[fieldID] = m.ID
	}
	vals[fieldName] = m.Name
	if m.Key != "" {
		vals[fieldKey] = m.Key
	}
	if m.Tag != "" {
		vals[fieldTag] = m.Tag
	}
	if m.ShardingKey != "" {
		vals[fieldShard] = m.ShardingKey
	}
	// raw payload bytes (binary-safe, no base64 encoding overhead)
	vals[fieldPayload] = m.Payload
	vals[fieldProducedAt] = m.ProducedAt.UnixNano()

	for k, v := range m.Metadata {
		vals[fieldMetaPrefix+k] = v
	}
	return vals
}

// Publish sends messages to a topic using Redis XADD (pipelined for batch efficiency).
func (t *Transport) Publish(ctx context.Context, topic string, msgs ...*txbus.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if t.closed.Load() {
		return txbus.ErrCoordinatorClosed
	}

	pipe := t.client.Pipeline()
	for _, m := range msgs {
		pipe.XAdd(ctx, t.xaddArgs(topic, encodeFields(m, 0)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		t.metrics.publishErrors.Add(uint64(len(msgs)))
		return err
	}

	t.metrics.published.Add(uint64(len(msgs)))
	return nil
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

// Subscribe listens to a topic/group with configurable concurrency and batching.
func (t *Transport) Subscribe(ctx context.Context, topic, group string, handler func(txbus.Delivery)) (txbus.Subscription, error) {
	if t.cfg.AutoCreate {
		if err := t.client.XGroupCreateMkStream(ctx, topic, group, "$").Err(); err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return nil, fmt.Errorf("redisstream: create group %q on %q: %w", group, topic, err)
		}
	}

	innerCtx, cancel := context.WithCancel(ctx)
	wg := &sync.WaitGroup{}

	workers := t.cfg.Concurrency
	if workers < 1 {
		workers = 1
	}

	// Buffered work channel (buffer = 2x workers for burst absorption)
	workCh := make(chan txbus.Delivery, workers*2)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range workCh {
				if d != nil {
					handler(d)
					if md, ok := d.(*delivery); ok {
						t.releaseDelivery(md)
					}
				}
			}
		}()
	}

	// Poller goroutine (reads from Redis, distributes to workers)
	pollerDone := make(chan struct{})
	wg.Add(1)
	go func() {
		defer func() {
			close(workCh)
			close(pollerDone)
			wg.Done()
		}()

		t.pollerLoop(innerCtx, topic, group, workCh)
	}()

	// Optional pending entry recovery loop (claims messages stuck on other consumers)
	if t.cfg.ClaimMinIdle > 0 && t.cfg.ClaimInterval > 0 && t.cfg.ClaimBatch > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.claimLoop(innerCtx, topic, group)
		}()
	}

	return &subscription{
		close: func() error {
			cancel()
			<-pollerDone
			wg.Wait()
			return nil
		},
	}, nil
}

// pollerLoop reads from Redis Streams and distributes messages to workers.
func (t *Transport) pollerLoop(ctx context.Context, topic, group string, workCh chan<- txbus.Delivery) {
	xArgs := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{topic, ">"},
		Count:    int64(max(1, t.cfg.BatchSize)),
		Block:    t.cfg.Block,
		NoAck:    false,
	}

	backoff := 100 * time.Millisecond
	maxBackoff := 5 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := t.client.XReadGroup(ctx, xArgs).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return
			}
			if errors.Is(err, redis.Nil) {
				// Block timeout, keep polling
				backoff = 100 * time.Millisecond
				continue
			}

			t.metrics.consumeErrors.Add(1)
			t.logger.Warn().Err(err).Str("topic", topic).Dur("backoff", backoff).Msg("txbus/redisstream: read failed")
			select {
			case <-t.clock.After(backoff):
				backoff = min(backoff*2, maxBackoff)
			case <-ctx.Done():
				return
			}
			continue
		}

		backoff = 100 * time.Millisecond

		for _, stream := range res {
			for _, msg := range stream.Messages {
				d := t.newDelivery()
				d.t = t
				d.topic = topic
				d.group = group
				d.id = msg.ID
				d.msg = decodeMessage(msg.ID, msg.Values)
				d.onceAck = &sync.Once{}

				t.metrics.consumed.Add(1)

				select {
				case workCh <- d:
				case <-ctx.Done():
					t.releaseDelivery(d)
					return
				}
			}
		}
	}
}

// newDelivery gets a delivery from the pool or allocates a new one.
func (t *Transport) newDelivery() *delivery {
	v := t.dpool.Get()
	if v == nil {
		t.metrics.poolMisses.Add(1)
		return &delivery{}
	}

	t.metrics.poolHits.Add(1)
	d := v.(*delivery)
	*d = delivery{}
	return d
}

// releaseDelivery returns a delivery to the pool after clearing references.
func (t *Transport) releaseDelivery(d *delivery) {
	if d == nil {
		return
	}
	*d = delivery{}
	t.dpool.Put(d)
}

// claimLoop periodically claims pending messages from dead consumers.
func (t *Transport) claimLoop(ctx context.Context, topic, group string) {
	ticker := t.clock.NewTicker(t.cfg.ClaimInterval)
	defer ticker.Stop()

	batch := int64(max(1, t.cfg.ClaimBatch))
	minIdle := t.cfg.ClaimMinIdle
	consumer := t.cfg.Consumer

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		pending, err := t.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: topic,
			Group:  group,
			Start:  "-",
			End:    "+",
			Count:  batch,
			Idle:   minIdle,
		}).Result()
		if err != nil || len(pending) == 0 {
			continue
		}

		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
		}

		if _, err := t.client.XClaimJustID(ctx, &redis.XClaimArgs{
			Stream:   topic,
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result(); err != nil && ctx.Err() == nil {
			t.logger.Warn().Err(err).Str("topic", topic).Int("entries", len(ids)).Msg("txbus/redisstream: claim failed")
		}
	}
}

// Close stops the check loop and releases the client when the transport owns it.
func (t *Transport) Close(_ context.Context) error {
	if t.closed.Swap(true) {
		return nil
	}
	if t.stopCheck != nil {
		t.stopCheck()
		<-t.checkDone
	}
	if t.ownClient {
		return t.client.Close()
	}
	return nil
}

// Stats returns transport telemetry.
type Stats struct {
	Published     uint64
	Consumed      uint64
	Acked         uint64
	Nacked        uint64
	PublishErrors uint64
	ConsumeErrors uint64
	PoolHits      uint64
	PoolMisses    uint64
	Staged        uint64
	StageErrors   uint64
	Committed     uint64
	RolledBack    uint64
	Checks        uint64
	CheckExpired  uint64
}

// Stats returns current transport metrics.
func (t *Transport) Stats() Stats {
	return Stats{
		Published:     t.metrics.published.Load(),
		Consumed:      t.metrics.consumed.Load(),
		Acked:         t.metrics.acked.Load(),
		Nacked:        t.metrics.nacked.Load(),
		PublishErrors: t.metrics.publishErrors.Load(),
		ConsumeErrors: t.metrics.consumeErrors.Load(),
		PoolHits:      t.metrics.poolHits.Load(),
		PoolMisses:    t.metrics.poolMisses.Load(),
		Staged:        t.metrics.staged.Load(),
		StageErrors:   t.metrics.stageErrors.Load(),
		Committed:     t.metrics.committed.Load(),
		RolledBack:    t.metrics.rolledBack.Load(),
		Checks:        t.metrics.checks.Load(),
		CheckExpired:  t.metrics.checkExpired.Load(),
	}
}

func ping(c redis.UniversalClient) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	res, err := c.Ping(ctx).Result()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return fmt.Errorf("redis ping timeout: %w", err)
		}
		return err
	}

	if strings.ToUpper(res) != "PONG" {
		return fmt.Errorf("unexpected redis ping result: %s", res)
	}
	return nil
}
