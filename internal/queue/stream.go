package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ProjectJob asks a worker to generate a multi-file project and store the
// bundle as a model message in ConversationID.
type ProjectJob struct {
	JobID          string    `json:"job_id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	ProjectType    string    `json:"project_type"`
	Requirements   string    `json:"requirements"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	Attempts       int       `json:"attempts"`
}

type StreamQueue struct {
	redis    *redis.Client
	stream   string
	group    string
	consumer string
	block    time.Duration

	// Entries delivered to this consumer before a restart and never acked
	// are handed out once, oldest first, before new entries are read.
	pendingMu     sync.Mutex
	pendingCursor string
	pendingDone   bool
}

type Message struct {
	ID  string
	Job ProjectJob
	// Malformed is set when the payload could not be decoded; such entries
	// should be acked and dropped.
	Malformed bool
}

func NewStreamQueue(rdb *redis.Client, stream, group, consumer string, block time.Duration) *StreamQueue {
	return &StreamQueue{
		redis:         rdb,
		stream:        stream,
		group:         group,
		consumer:      consumer,
		block:         block,
		pendingCursor: "0",
	}
}

func (q *StreamQueue) EnsureGroup(ctx context.Context) error {
	if q == nil {
		return fmt.Errorf("queue is nil")
	}
	err := q.redis.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create stream group: %w", err)
	}
	return nil
}

func (q *StreamQueue) Enqueue(ctx context.Context, job ProjectJob) (ProjectJob, error) {
	if strings.TrimSpace(job.JobID) == "" {
		job.JobID = uuid.NewString()
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return ProjectJob{}, fmt.Errorf("marshal job: %w", err)
	}

	if err := q.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]any{"payload": payload},
	}).Err(); err != nil {
		return ProjectJob{}, fmt.Errorf("enqueue: %w", err)
	}
	return job, nil
}

// Read returns up to count entries. Until this consumer's pending list is
// drained, entries left unacked by an earlier run come first.
func (q *StreamQueue) Read(ctx context.Context, count int64) ([]Message, error) {
	msgs, err := q.readPending(ctx, count)
	if err != nil || len(msgs) > 0 {
		return msgs, err
	}

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
	return toMessages(res), nil
}

func (q *StreamQueue) readPending(ctx context.Context, count int64) ([]Message, error) {
	q.pendingMu.Lock()
	defer q.pendingMu.Unlock()
	if q.pendingDone {
		return nil, nil
	}

	res, err := q.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, q.pendingCursor},
		Count:    count,
		Block:    -1,
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xreadgroup pending: %w", err)
	}
	msgs := toMessages(res)
	if len(msgs) == 0 {
		q.pendingDone = true
		return nil, nil
	}
	q.pendingCursor = msgs[len(msgs)-1].ID
	return msgs, nil
}

func toMessages(res []redis.XStream) []Message {
	out := make([]Message, 0)
	for _, s := range res {
		for _, m := range s.Messages {
			msg := Message{ID: m.ID}
			if err := decodePayload(m.Values["payload"], &msg.Job); err != nil {
				msg.Malformed = true
			}
			out = append(out, msg)
		}
	}
	return out
}

func decodePayload(raw any, job *ProjectJob) error {
	var b []byte
	switch v := raw.(type) {
	case string:
		b = []byte(v)
	case []byte:
		b = v
	default:
		return fmt.Errorf("unexpected payload type %T", raw)
	}
	return json.Unmarshal(b, job)
}

func (q *StreamQueue) Ack(ctx context.Context, messageID string) error {
	if err := q.redis.XAck(ctx, q.stream, q.group, messageID).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	if err := q.redis.XDel(ctx, q.stream, messageID).Err(); err != nil {
		return fmt.Errorf("xdel: %w", err)
	}
	return nil
}

// Retry acks the delivered entry and enqueues the job again with one more
// attempt recorded.
func (q *StreamQueue) Retry(ctx context.Context, msg Message) error {
	job := msg.Job
	job.Attempts++
	if _, err := q.Enqueue(ctx, job); err != nil {
		return err
	}
	return q.Ack(ctx, msg.ID)
}

func (q *StreamQueue) Consumer() string {
	return q.consumer
}
