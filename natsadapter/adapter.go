// Package natsadapter bridges room broadcasts between hub instances over
// NATS core pub/sub. Envelopes are JSON-encoded and published on one subject
// per room; delivery is at-most-once, matching the hub's broadcast contract.
package natsadapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/streamhub/component"
	"github.com/c360/streamhub/errors"
	"github.com/c360/streamhub/metric"
	"github.com/c360/streamhub/natsclient"
	"github.com/c360/streamhub/pkg/buffer"
	"github.com/c360/streamhub/pkg/retry"
	"github.com/c360/streamhub/stream"
)

const (
	// defaultQueueSize bounds each subscription's inbound delivery queue.
	defaultQueueSize = 256
	// defaultFlushTimeout bounds the publish round trip when the caller
	// context carries no deadline.
	defaultFlushTimeout = 2 * time.Second
)

// Config carries construction parameters for the adapter.
type Config struct {
	Client *natsclient.Client
	// SubjectPrefix is prepended to room subjects, for example
	// "streamhub.rooms" yields "streamhub.rooms.<room>".
	SubjectPrefix string
	// QueueSize bounds the per-subscription inbound queue. Zero selects the
	// default. When the queue overflows the oldest envelope is dropped.
	QueueSize int
	Logger    *slog.Logger
	// Metrics receives inbound queue metrics when non-nil.
	Metrics *metric.MetricsRegistry
}

// Adapter implements stream.Adapter on top of a NATS connection.
type Adapter struct {
	client    *natsclient.Client
	prefix    string
	queueSize int
	logger    *slog.Logger
	metrics   *metric.MetricsRegistry

	mu        sync.Mutex
	state     component.State
	startTime time.Time
	lastErr   error
	subs      map[*subscription]struct{}
}

// New creates a NATS-backed distributed adapter.
func New(cfg Config) (*Adapter, error) {
	if cfg.Client == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsadapter", "New", "nil client")
	}
	if cfg.SubjectPrefix == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "natsadapter", "New", "empty subject prefix")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Adapter{
		client:    cfg.Client,
		prefix:    strings.TrimSuffix(cfg.SubjectPrefix, "."),
		queueSize: queueSize,
		logger:    logger,
		metrics:   cfg.Metrics,
		state:     component.StateCreated,
		subs:      make(map[*subscription]struct{}),
	}, nil
}

// Meta returns component metadata.
func (a *Adapter) Meta() component.Metadata {
	return component.Metadata{
		Name:        "nats-adapter",
		Type:        "adapter",
		Description: "NATS bridge for cross-instance room broadcasts",
		Version:     "1.0.0",
	}
}

// Health reports adapter and underlying connection health.
func (a *Adapter) Health() component.HealthStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	status := component.HealthStatus{
		Healthy:   a.state == component.StateStarted && a.client.IsHealthy(),
		LastCheck: time.Now(),
	}
	if a.lastErr != nil {
		status.LastError = a.lastErr.Error()
		status.ErrorCount = 1
	}
	if !a.startTime.IsZero() {
		status.Uptime = time.Since(a.startTime)
	}
	return status
}

// Initialize validates the subject prefix.
func (a *Adapter) Initialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, token := range strings.Split(a.prefix, ".") {
		if token == "" || strings.ContainsAny(token, " *>") {
			a.lastErr = errors.WrapFatal(errors.ErrInvalidConfig, "natsadapter", "Initialize",
				fmt.Sprintf("invalid subject prefix %q", a.prefix))
			a.state = component.StateFailed
			return a.lastErr
		}
	}
	a.state = component.StateInitialized
	return nil
}

// Start connects to NATS.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.state == component.StateStarted {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "natsadapter", "Start", "start adapter")
	}
	// The server may still be coming up when we are; a short retry window
	// covers ordinary deployment races without masking a bad URL for long.
	err := retry.Do(ctx, retry.Quick(), func() error {
		return a.client.Connect(ctx)
	})
	if err != nil {
		a.lastErr = err
		a.state = component.StateFailed
		return errors.WrapTransient(err, "natsadapter", "Start", "connect")
	}
	a.state = component.StateStarted
	a.startTime = time.Now()
	a.logger.Info("nats adapter started", "prefix", a.prefix, "url", a.client.URL())
	return nil
}

// Stop tears down all subscriptions and closes the connection.
func (a *Adapter) Stop(timeout time.Duration) error {
	a.mu.Lock()
	if a.state != component.StateStarted {
		a.mu.Unlock()
		return nil
	}
	a.state = component.StateStopped
	subs := make([]*subscription, 0, len(a.subs))
	for sub := range a.subs {
		subs = append(subs, sub)
	}
	a.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			a.logger.Warn("unsubscribe during stop failed", "subject", sub.subject, "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return a.client.Close(ctx)
}

// Publish sends env to other instances. The publish round trip is bounded by
// the context deadline; exceeding it reports ErrPublishTimeout so callers can
// degrade to local-only delivery instead of failing the broadcast.
func (a *Adapter) Publish(ctx context.Context, env stream.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return errors.WrapInvalid(err, "natsadapter", "Publish", "encode envelope")
	}

	subject := a.subjectFor(env.Room)
	if err := a.client.Publish(ctx, subject, data); err != nil {
		return errors.WrapTransient(err, "natsadapter", "Publish", "publish envelope")
	}

	// Core NATS publishes are buffered client-side; the flush round trip is
	// what detects a stalled or partitioned server within the deadline.
	timeout := defaultFlushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			return errors.WrapTransient(errors.ErrPublishTimeout, "natsadapter", "Publish", "flush envelope")
		}
	}
	if err := a.client.Flush(timeout); err != nil {
		return flushError(err)
	}
	return nil
}

// flushError maps a flush failure to its sentinel: deadline expiry is a
// publish timeout, anything else means the connection itself failed under
// the buffered publish and should surface as such.
func flushError(err error) error {
	if stderrors.Is(err, nats.ErrTimeout) || stderrors.Is(err, context.DeadlineExceeded) {
		return errors.WrapTransient(errors.ErrPublishTimeout, "natsadapter", "Publish", "flush envelope")
	}
	return errors.WrapTransient(err, "natsadapter", "Publish", "flush envelope")
}

// Subscribe delivers envelopes published to room by other instances. Inbound
// envelopes pass through a bounded queue drained by a single goroutine, so
// the handler never runs concurrently with itself and a slow handler sheds
// oldest-first instead of stalling the NATS connection.
func (a *Adapter) Subscribe(room string, handler func(stream.Envelope)) (stream.AdapterSubscription, error) {
	subject := a.subjectFor(room)

	queue, err := buffer.NewRing[stream.Envelope](a.queueSize,
		buffer.WithOverflowPolicy[stream.Envelope](buffer.DropOldest),
		buffer.WithDropCallback[stream.Envelope](func(env stream.Envelope) {
			a.logger.Warn("inbound envelope dropped",
				"room", env.Room, "origin", env.Origin)
		}),
	)
	if err != nil {
		return nil, errors.WrapInvalid(err, "natsadapter", "Subscribe", "create inbound queue")
	}

	natsSub, err := a.client.Subscribe(context.Background(), subject, func(_ context.Context, data []byte) {
		var env stream.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			a.logger.Warn("malformed envelope discarded", "subject", subject, "error", err)
			return
		}
		_ = queue.Write(env)
	})
	if err != nil {
		_ = queue.Close()
		return nil, errors.WrapTransient(errors.ErrSubscriptionFailed, "natsadapter", "Subscribe", "subscribe "+subject)
	}

	sub := &subscription{
		adapter: a,
		subject: subject,
		nats:    natsSub,
		queue:   queue,
		done:    make(chan struct{}),
	}
	go sub.dispatch(handler)

	a.mu.Lock()
	a.subs[sub] = struct{}{}
	a.mu.Unlock()

	return sub, nil
}

// subjectFor maps a room name to a NATS subject. Characters NATS treats as
// token separators or wildcards are rewritten so any room name is valid.
func (a *Adapter) subjectFor(room string) string {
	sanitized := strings.Map(func(r rune) rune {
		switch r {
		case '.', ' ', '*', '>':
			return '_'
		default:
			return r
		}
	}, room)
	return a.prefix + "." + sanitized
}

func (a *Adapter) forget(sub *subscription) {
	a.mu.Lock()
	delete(a.subs, sub)
	a.mu.Unlock()
}

// subscription is one active room bridge.
type subscription struct {
	adapter *Adapter
	subject string
	nats    *natsclient.Subscription
	queue   buffer.Buffer[stream.Envelope]
	done    chan struct{}
	once    sync.Once
}

// dispatch drains the inbound queue into the handler until the queue closes.
func (s *subscription) dispatch(handler func(stream.Envelope)) {
	defer close(s.done)
	for {
		env, ok := s.queue.Take()
		if !ok {
			return
		}
		handler(env)
	}
}

// Unsubscribe stops inbound delivery and waits for the in-flight handler
// call, if any, to return. Idempotent.
func (s *subscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		err = s.nats.Unsubscribe()
		_ = s.queue.Close()
		<-s.done
		s.adapter.forget(s)
	})
	return err
}
