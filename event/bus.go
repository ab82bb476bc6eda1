package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360studio/swarmrun/storage"
)

// DefaultBufferSize bounds the publish buffer.
const DefaultBufferSize = 256

// publishTimeout bounds each stream write by the background publisher.
const publishTimeout = 5 * time.Second

// Metrics counts bus activity.
type Metrics struct {
	Published prometheus.Counter
	Dropped   prometheus.Counter
}

// NewMetrics registers bus counters on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_events_published_total",
			Help: "Events written to the event stream.",
		}),
		Dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "swarmrun_events_dropped_total",
			Help: "Events dropped on publish buffer overflow.",
		}),
	}
	reg.MustRegister(m.Published, m.Dropped)
	return m
}

// Bus publishes run events to the event stream and serves ordered replay.
// Publish never blocks the caller: events queue into a bounded buffer and
// a background publisher writes them out. Overflow drops the event and
// increments the dropped counter; a slow consumer cannot stall a run.
type Bus struct {
	js      jetstream.JetStream
	buf     chan *Event
	closed  atomic.Bool
	wg      sync.WaitGroup
	dropped atomic.Uint64
	logger  *slog.Logger
	metrics *Metrics
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithBufferSize sets the publish buffer capacity.
func WithBufferSize(n int) BusOption {
	return func(b *Bus) {
		if n > 0 {
			b.buf = make(chan *Event, n)
		}
	}
}

// WithBusLogger sets the logger.
func WithBusLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) { b.logger = logger }
}

// WithBusMetrics attaches bus counters.
func WithBusMetrics(m *Metrics) BusOption {
	return func(b *Bus) { b.metrics = m }
}

// NewBus ensures the event stream exists and starts the background
// publisher.
func NewBus(ctx context.Context, js jetstream.JetStream, opts ...BusOption) (*Bus, error) {
	if _, err := storage.GetOrCreateEventStream(ctx, js); err != nil {
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}

	b := &Bus{
		js:     js,
		buf:    make(chan *Event, DefaultBufferSize),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	b.wg.Add(1)
	go b.publishLoop()
	return b, nil
}

// Publish queues an event. Never blocks; overflow drops the event.
func (b *Bus) Publish(e *Event) {
	if b.closed.Load() {
		b.drop(e)
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case b.buf <- e:
	default:
		b.drop(e)
	}
}

func (b *Bus) drop(e *Event) {
	b.dropped.Add(1)
	if b.metrics != nil {
		b.metrics.Dropped.Inc()
	}
	b.logger.Warn("event dropped", "run_id", e.RunID, "type", e.Type)
}

// Dropped returns the number of events dropped since start.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close stops accepting events, flushes the buffer, and waits for the
// publisher to finish.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	close(b.buf)
	b.wg.Wait()
}

func (b *Bus) publishLoop() {
	defer b.wg.Done()
	for e := range b.buf {
		data, err := json.Marshal(e)
		if err != nil {
			b.logger.Error("marshal event", "run_id", e.RunID, "type", e.Type, "error", err)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		_, err = b.js.Publish(ctx, subjectFor(e.RunID), data)
		cancel()
		if err != nil {
			b.logger.Error("publish event", "run_id", e.RunID, "type", e.Type, "error", err)
			continue
		}
		if b.metrics != nil {
			b.metrics.Published.Inc()
		}
	}
}

func subjectFor(runID string) string {
	return storage.EventSubjectPrefix + "." + runID
}

// Subscribe delivers the run's events in order, starting at fromOffset
// (a stream sequence; zero replays from the beginning). The channel closes
// when ctx is done. Each delivered event carries its stream sequence so
// consumers can resume.
func (b *Bus) Subscribe(ctx context.Context, runID string, fromOffset uint64) (<-chan *Event, error) {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subjectFor(runID)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if fromOffset > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = fromOffset
	}
	consumer, err := b.js.OrderedConsumer(ctx, storage.StreamEvents, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer: %w", err)
	}

	out := make(chan *Event)
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data(), &e); err != nil {
			b.logger.Error("decode event", "run_id", runID, "error", err)
			return
		}
		if meta, err := msg.Metadata(); err == nil {
			e.Sequence = meta.Sequence.Stream
		}
		select {
		case out <- &e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, fmt.Errorf("consume events: %w", err)
	}

	go func() {
		<-ctx.Done()
		// Drain waits for in-flight callbacks before the channel closes.
		cc.Drain()
		close(out)
	}()
	return out, nil
}
