package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

const kafkaQueueSize = 256

var (
	errKafkaNotStarted = errors.New("kafka publisher not started")
	errKafkaStopped    = errors.New("kafka publisher stopped")
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects the brokers and topic for event publishing.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher queues events and writes them to Kafka from a single
// background loop, keyed by subject so one submission's events stay ordered
// within a partition.
type KafkaPublisher struct {
	cfg       KafkaConfig
	logger    zerolog.Logger
	writer    messageWriter
	queue     chan kafka.Message
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
}

func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
	return newKafkaPublisher(cfg, logger, w), nil
}

func newKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger, w messageWriter) *KafkaPublisher {
	return &KafkaPublisher{
		cfg:    cfg,
		logger: logger.With().Str("component", "kafka_publisher").Str("topic", cfg.Topic).Logger(),
		writer: w,
		queue:  make(chan kafka.Message, kafkaQueueSize),
	}
}

// Start launches the delivery loop. It is safe to call more than once.
func (p *KafkaPublisher) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.logger.Info().Msg("kafka publisher started")
	})
}

// Stop cancels the loop, drains what is queued and closes the writer.
func (p *KafkaPublisher) Stop(ctx context.Context) error {
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := p.writer.Close(); err != nil {
			p.logger.Error().Err(err).Msg("kafka writer close failed")
		}
		p.logger.Info().Msg("kafka publisher stopped")
	})
	return stopErr
}

func (p *KafkaPublisher) Publish(ctx context.Context, e Event) error {
	if !p.started.Load() {
		return errKafkaNotStarted
	}
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.Subject),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.Type)},
		},
	}
	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.runCtx.Done():
		return errKafkaStopped
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			return
		case msg := <-p.queue:
			p.deliver(p.runCtx, msg)
		}
	}
}

// drain flushes queued messages on a context that outlives the cancelled
// run context.
func (p *KafkaPublisher) drain() {
	ctx := context.WithoutCancel(p.runCtx)
	for {
		select {
		case msg := <-p.queue:
			p.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) deliver(ctx context.Context, msg kafka.Message) {
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.logger.Error().Err(err).Str("key", string(msg.Key)).Msg("kafka publish failed")
		return
	}
	p.logger.Debug().Str("key", string(msg.Key)).Msg("kafka publish ok")
}
