package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"taskpilot/internal/metrics"
	"taskpilot/internal/queue"
	"taskpilot/internal/storage"
)

type AuditStore interface {
	LogAction(ctx context.Context, e storage.AuditEntry) error
}

type Stream interface {
	EnsureGroup(ctx context.Context) error
	Read(ctx context.Context, count int64) ([]queue.Message, error)
	Publish(ctx context.Context, ev queue.TaskEvent) (string, error)
	Ack(ctx context.Context, messageID string) error
}

// Worker records task events from the redis stream in the audit log.
type Worker struct {
	store      AuditStore
	stream     Stream
	maxRetries int
	logger     zerolog.Logger
	metrics    *metrics.Metrics
}

type Config struct {
	Store      AuditStore
	Stream     Stream
	MaxRetries int
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
}

func New(cfg Config) *Worker {
	m := cfg.Metrics
	if m == nil {
		m = metrics.Global()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	return &Worker{
		store:      cfg.Store,
		stream:     cfg.Stream,
		maxRetries: cfg.MaxRetries,
		logger:     cfg.Logger.With().Str("component", "audit_worker").Logger(),
		metrics:    m,
	}
}

func (w *Worker) Start(ctx context.Context, concurrency int) error {
	if err := w.stream.EnsureGroup(ctx); err != nil {
		return err
	}
	if concurrency < 1 {
		concurrency = 1
	}

	wg := sync.WaitGroup{}
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.consumeLoop(ctx, slot)
		}(i)
	}

	<-ctx.Done()
	wg.Wait()
	return nil
}

func (w *Worker) consumeLoop(ctx context.Context, slot int) {
	log := w.logger.With().Int("slot", slot).Logger()
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		messages, err := w.stream.Read(ctx, 1)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).Msg("failed to read event stream")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, msg := range messages {
			w.Handle(ctx, msg)
		}
	}
}

// Handle processes one stream entry. A failed event is published again
// with its attempt counter raised until MaxRetries, then dropped. The
// original entry is always acked.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) {
	log := w.logger.With().Str("event_id", msg.Event.EventID).Str("msg_id", msg.ID).Logger()

	err := w.process(ctx, msg.Event)
	if err == nil {
		w.metrics.EventsProcessed.Inc()
		if ackErr := w.stream.Ack(ctx, msg.ID); ackErr != nil {
			log.Error().Err(ackErr).Msg("failed to ack event")
		}
		return
	}

	w.metrics.EventsFailed.Inc()
	log.Error().Err(err).Int("attempt", msg.Event.Attempts).Msg("event processing failed")

	if msg.Event.Attempts < w.maxRetries {
		ev := msg.Event
		ev.Attempts++
		if _, pubErr := w.stream.Publish(ctx, ev); pubErr != nil {
			log.Error().Err(pubErr).Msg("failed to re-publish event")
			return
		}
	} else {
		log.Warn().Msg("dropping event after max retries")
	}
	if ackErr := w.stream.Ack(ctx, msg.ID); ackErr != nil {
		log.Error().Err(ackErr).Msg("failed to ack failed event")
	}
}

func (w *Worker) process(ctx context.Context, ev queue.TaskEvent) error {
	switch ev.Type {
	case queue.EventTaskCreated:
	default:
		w.logger.Debug().Str("type", ev.Type).Msg("ignoring unknown event type")
		return nil
	}

	meta, err := json.Marshal(map[string]any{
		"eventId":    ev.EventID,
		"taskId":     ev.TaskID,
		"projectId":  ev.ProjectID,
		"title":      ev.Title,
		"occurredAt": ev.OccurredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal audit meta: %w", err)
	}
	if err := w.store.LogAction(ctx, storage.AuditEntry{
		UserID:   ev.UserID,
		Action:   ev.Type,
		MetaJSON: string(meta),
	}); err != nil {
		return fmt.Errorf("record audit entry: %w", err)
	}
	return nil
}
