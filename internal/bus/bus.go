package bus

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	applog "github.com/roach88/flowsess/internal/log"
)

// ErrClosed is returned when publishing to a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is one delivery from a topic partition.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       string
	Value     []byte
}

// Faults makes Publish lossy. Rates are probabilities in [0, 1].
type Faults struct {
	DropRate      float64
	DuplicateRate float64
	// Seed makes the fault sequence reproducible.
	Seed uint64
}

// Stats counts what Publish did with each message.
type Stats struct {
	Published  int
	Dropped    int
	Duplicated int
}

// Handler processes one message. Returning an error leaves the message
// uncommitted so it is delivered again.
type Handler func(ctx context.Context, m Message) error

// Option configures a Bus.
type Option func(*Bus)

// WithPartitions sets the number of partitions per topic. Defaults to 4.
func WithPartitions(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.partitions = n
		}
	}
}

// WithFaults enables message loss and duplication on Publish.
func WithFaults(f Faults) Option {
	return func(b *Bus) {
		b.faults = f
		b.rng = rand.New(rand.NewPCG(f.Seed, f.Seed^0x9e3779b97f4a7c15))
	}
}

// WithRetryBackoff sets how long Consume waits before redelivering a
// message whose handler failed. Defaults to 100ms.
func WithRetryBackoff(d time.Duration) Option {
	return func(b *Bus) {
		b.retryBackoff = d
	}
}

// WithLogger sets the logger. Defaults to the "bus" component logger.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bus) {
		b.logger = l
	}
}

// Bus is an in-memory partitioned message bus with at-least-once delivery.
type Bus struct {
	partitions   int
	retryBackoff time.Duration
	logger       zerolog.Logger

	mu     sync.Mutex
	topics map[string][]*partition
	faults Faults
	rng    *rand.Rand
	stats  Stats
	closed bool
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		partitions:   4,
		retryBackoff: 100 * time.Millisecond,
		logger:       applog.WithComponent("bus"),
		topics:       make(map[string][]*partition),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Partitions returns the number of partitions per topic.
func (b *Bus) Partitions() int { return b.partitions }

// PartitionFor maps a key to its partition.
func (b *Bus) PartitionFor(key string) int {
	return int(xxhash.Sum64String(key) % uint64(b.partitions))
}

func (b *Bus) topic(name string) []*partition {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts, ok := b.topics[name]
	if !ok {
		parts = make([]*partition, b.partitions)
		for i := range parts {
			parts[i] = newPartition()
			if b.closed {
				parts[i].close()
			}
		}
		b.topics[name] = parts
	}
	return parts
}

// Topics returns the names of all topics seen so far, sorted.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.topics))
	for name := range b.topics {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// fault decides what happens to one published message.
func (b *Bus) fault() (drop, dup bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stats.Published++
	if b.rng == nil {
		return false, false
	}
	if b.faults.DropRate > 0 && b.rng.Float64() < b.faults.DropRate {
		b.stats.Dropped++
		return true, false
	}
	if b.faults.DuplicateRate > 0 && b.rng.Float64() < b.faults.DuplicateRate {
		b.stats.Duplicated++
		return false, true
	}
	return false, false
}

// Publish appends a message to the partition owning key. The value is
// copied. With faults enabled the message may be dropped (the returned
// Message has Offset -1) or appended twice.
func (b *Bus) Publish(topic, key string, value []byte) (Message, error) {
	part := b.PartitionFor(key)
	p := b.topic(topic)[part]
	if p.isClosed() {
		return Message{}, ErrClosed
	}

	m := Message{Topic: topic, Partition: part, Key: key, Value: slices.Clone(value)}
	drop, dup := b.fault()
	if drop {
		b.logger.Debug().Str(applog.FieldTopic, topic).Str("key", key).Msg("message dropped")
		m.Offset = -1
		return m, nil
	}

	out, ok := p.append(m)
	if !ok {
		return Message{}, ErrClosed
	}
	if dup {
		b.logger.Debug().Str(applog.FieldTopic, topic).Str("key", key).Msg("message duplicated")
		p.append(m)
	}
	return out, nil
}

// Duplicate re-appends an already delivered message, as a producer retry
// does. The copy gets a new offset.
func (b *Bus) Duplicate(m Message) (Message, error) {
	p, err := b.partition(m.Topic, m.Partition)
	if err != nil {
		return Message{}, err
	}
	m.Value = slices.Clone(m.Value)
	out, ok := p.append(m)
	if !ok {
		return Message{}, ErrClosed
	}
	return out, nil
}

func (b *Bus) partition(topic string, part int) (*partition, error) {
	if part < 0 || part >= b.partitions {
		return nil, fmt.Errorf("topic %s: partition %d out of range [0, %d)", topic, part, b.partitions)
	}
	return b.topic(topic)[part], nil
}

// Poll delivers up to limit messages from a topic, visiting partitions in
// order. A limit <= 0 delivers everything available. Messages stay
// uncommitted until Commit.
func (b *Bus) Poll(topic string, limit int) []Message {
	var out []Message
	for _, p := range b.topic(topic) {
		remaining := 0
		if limit > 0 {
			remaining = limit - len(out)
			if remaining <= 0 {
				break
			}
		}
		out = append(out, p.take(remaining)...)
	}
	return out
}

// PollPartition delivers up to limit messages from one partition.
func (b *Bus) PollPartition(topic string, part, limit int) ([]Message, error) {
	p, err := b.partition(topic, part)
	if err != nil {
		return nil, err
	}
	return p.take(limit), nil
}

// Commit records that m and every earlier message of its partition were
// handled.
func (b *Bus) Commit(m Message) error {
	p, err := b.partition(m.Topic, m.Partition)
	if err != nil {
		return err
	}
	p.commit(m.Offset)
	return nil
}

// Rewind moves every partition of a topic back to its committed offset and
// returns how many messages will be delivered again.
func (b *Bus) Rewind(topic string) int {
	n := 0
	for _, p := range b.topic(topic) {
		n += p.rewind()
	}
	if n > 0 {
		b.logger.Debug().Str(applog.FieldTopic, topic).Int("redelivered", n).Msg("topic rewound")
	}
	return n
}

// Lag returns the number of messages of a topic not yet delivered.
func (b *Bus) Lag(topic string) int {
	n := 0
	for _, p := range b.topic(topic) {
		n += p.lag()
	}
	return n
}

// Uncommitted returns the number of delivered but uncommitted messages.
func (b *Bus) Uncommitted(topic string) int {
	n := 0
	for _, p := range b.topic(topic) {
		n += p.uncommitted()
	}
	return n
}

// Stats returns publish counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Consume runs handler for every message of topic until ctx is done or the
// bus is closed. Each partition is consumed by its own goroutine, so
// messages of one key are handled in order. A handler error rewinds the
// partition and retries after the backoff.
//
// Returns nil on close, ctx.Err() on cancellation.
func (b *Bus) Consume(ctx context.Context, topic string, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for i, p := range b.topic(topic) {
		g.Go(func() error {
			return b.consumePartition(ctx, topic, i, p, handler)
		})
	}
	return g.Wait()
}

func (b *Bus) consumePartition(ctx context.Context, topic string, part int, p *partition, handler Handler) error {
	logger := b.logger.With().Str(applog.FieldTopic, topic).Int(applog.FieldPartition, part).Logger()
	for {
		for _, m := range p.take(0) {
			if err := handler(ctx, m); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				logger.Warn().Err(err).Int64(applog.FieldOffset, m.Offset).Msg("handler failed, redelivering")
				p.rewind()
				if err := sleep(ctx, b.retryBackoff); err != nil {
					return err
				}
				break
			}
			p.commit(m.Offset)
		}

		if p.isClosed() && p.lag() == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-p.wait():
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close stops the bus. Running consumers drain what was already published
// and return nil.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	topics := make([][]*partition, 0, len(b.topics))
	for _, parts := range b.topics {
		topics = append(topics, parts)
	}
	b.mu.Unlock()

	for _, parts := range topics {
		for _, p := range parts {
			p.close()
		}
	}
}
