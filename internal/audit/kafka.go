package audit

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/gregolly/identity-shield-sdk/internal/metrics"
)

// KafkaConfig configures the Kafka publisher
type KafkaConfig struct {
	Brokers       []string      `yaml:"brokers"`
	Topic         string        `yaml:"topic"`
	TLS           bool          `yaml:"tls"`
	BatchSize     int           `yaml:"batch_size"`
	FlushEvery    time.Duration `yaml:"flush_every"`
	QueueCapacity int           `yaml:"queue_capacity"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

const writerLinger = 10 * time.Millisecond

// KafkaPublisher queues events and writes them to a topic from a single
// goroutine, one batch per write. A batch is written when it is full or
// flushEvery has passed. Events are dropped when the queue is full.
type KafkaPublisher struct {
	w      messageWriter
	ch     chan Event
	stop   chan struct{}
	done   chan struct{}
	once   sync.Once

	batchSize  int
	flushEvery time.Duration
	logger     *zap.Logger
}

// NewKafkaPublisher creates and starts a publisher
func NewKafkaPublisher(cfg KafkaConfig, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("audit: no kafka brokers configured")
	}
	if cfg.Topic == "" {
		return nil, errors.New("audit: no kafka topic configured")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushEvery <= 0 {
		cfg.FlushEvery = time.Second
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = cfg.BatchSize * 4
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}

	tr := &kafka.Transport{DialTimeout: cfg.DialTimeout}
	if cfg.TLS {
		tr.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		Transport:              tr,
		AllowAutoTopicCreation: false,
		// batches are assembled by the publisher loop, the writer only lingers briefly per partition
		BatchTimeout: writerLinger,
		BatchSize:    cfg.BatchSize,
		WriteTimeout: cfg.WriteTimeout,
	}
	return newKafkaPublisher(w, cfg.QueueCapacity, cfg.BatchSize, cfg.FlushEvery, logger), nil
}

func newKafkaPublisher(w messageWriter, capacity, batchSize int, flushEvery time.Duration, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if flushEvery <= 0 {
		flushEvery = time.Second
	}
	p := &KafkaPublisher{
		w:          w,
		ch:         make(chan Event, capacity),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
		batchSize:  batchSize,
		flushEvery: flushEvery,
		logger:     logger,
	}
	go p.loop()
	return p
}

// Publish enqueues ev. It never blocks.
func (p *KafkaPublisher) Publish(_ context.Context, ev Event) {
	select {
	case <-p.stop:
		return
	default:
	}

	select {
	case p.ch <- ev:
	default:
		// drop on backpressure
		metrics.AuditEventsDropped.Inc()
		p.logger.Warn("audit queue full, dropping event", zap.String("session_id", ev.SessionID))
	}
}

// Close stops accepting events, drains the queue until ctx ends and closes the writer
func (p *KafkaPublisher) Close(ctx context.Context) error {
	p.once.Do(func() { close(p.stop) })

	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return p.w.Close()
}

func (p *KafkaPublisher) loop() {
	defer close(p.done)

	t := time.NewTicker(p.flushEvery)
	defer t.Stop()

	batch := make([]kafka.Message, 0, p.batchSize)
	add := func(ev Event) {
		msg, err := encode(ev)
		if err != nil {
			p.logger.Error("audit encode failed", zap.String("session_id", ev.SessionID), zap.Error(err))
			return
		}
		batch = append(batch, msg)
		if len(batch) >= p.batchSize {
			batch = p.flush(batch)
		}
	}

	for {
		select {
		case ev := <-p.ch:
			add(ev)
		case <-t.C:
			batch = p.flush(batch)
		case <-p.stop:
			for {
				select {
				case ev := <-p.ch:
					add(ev)
				default:
					p.flush(batch)
					return
				}
			}
		}
	}
}

// flush writes batch and returns it emptied for reuse
func (p *KafkaPublisher) flush(batch []kafka.Message) []kafka.Message {
	if len(batch) == 0 {
		return batch
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.w.WriteMessages(ctx, batch...); err != nil {
		p.logger.Error("audit write failed", zap.Int("events", len(batch)), zap.Error(err))
	}
	return batch[:0]
}

func encode(ev Event) (kafka.Message, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return kafka.Message{}, err
	}
	return kafka.Message{
		Key:   []byte(ev.SessionID),
		Value: value,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	}, nil
}
