package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const EventTaskCreated = "task.created"

type TaskEvent struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"type"`
	TaskID     string    `json:"task_id"`
	ProjectID  string    `json:"project_id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	OccurredAt time.Time `json:"occurred_at"`
	Attempts   int       `json:"attempts"`
}

type EventStream struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration
}

type Message struct {
	ID    string
	Event TaskEvent
}

func NewEventStream(rdb *redis.Client, stream, group, consumer string, block time.Duration) *EventStream {
	return &EventStream{
		redis:    rdb,
		stream:   stream,
		group:    group,
		consumer: consumer,
		block:    block,
	}
}

func (q *EventStream) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("event stream is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *EventStream) Publish(ctx context.Context, ev TaskEvent) (string, error) {
	if strings.TrimSpace(ev.EventID) == "" {
		ev.EventID = uuid.NewString()
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("marshal event: %w", err)
	}

	id, err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("publish event: %w", err)
	}
	return id, nil
}

// Read returns up to count new messages for this consumer, blocking for the
// configured duration. Entries with an undecodable payload are acked and
// dropped.
func (q *EventStream) Read(ctx context.Context, count int64) ([]Message, error) {
	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    count,
		Block:    q.block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}

	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			ev, ok := decodePayload(m.Values["payload"])
			if !ok {
				_ = q.Ack(ctx, m.ID)
				continue
			}
			out = append(out, Message{ID: m.ID, Event: ev})
		}
	}
	return out, nil
}

func decodePayload(raw any) (TaskEvent, bool) {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return TaskEvent{}, false
	}
	var ev TaskEvent
	if err := json.Unmarshal(b, &ev); err != nil {
		return TaskEvent{}, false
	}
	return ev, true
}

func (q *EventStream) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

func (q *EventStream) Consumer() string {
	return q.consumer
}
