package queue

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestStreamQueueRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	q := NewStreamQueue(rdb, "test:projects", "workers", "c1", 20*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	job, err := q.Enqueue(ctx, ProjectJob{UserID: "u1", ConversationID: "c", ProjectType: "instagram clone"})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("expected job id and enqueue time, got %+v", job)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.JobID != job.JobID || msgs[0].Malformed {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	if err := q.Retry(ctx, msgs[0]); err != nil {
		t.Fatalf("retry: %v", err)
	}
	msgs, err = q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read retried: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Job.Attempts != 1 || msgs[0].Job.JobID != job.JobID {
		t.Fatalf("expected retried job with one attempt, got %+v", msgs)
	}
	if err := q.Ack(ctx, msgs[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	msgs, err = q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read empty: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected empty stream, got %+v", msgs)
	}
}

func TestStreamQueueMalformedPayload(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	q := NewStreamQueue(rdb, "test:projects", "workers", "c1", 20*time.Millisecond)
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: "test:projects", Values: map[string]any{"payload": "{"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}

	msgs, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || !msgs[0].Malformed {
		t.Fatalf("expected one malformed message, got %+v", msgs)
	}
}

func TestStreamQueueRedeliversPendingAfterRestart(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	first := NewStreamQueue(rdb, "test:projects", "workers", "c1", 20*time.Millisecond)
	if err := first.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	a, err := first.Enqueue(ctx, ProjectJob{UserID: "u1", ProjectType: "todo app"})
	if err != nil {
		t.Fatalf("enqueue a: %v", err)
	}
	b, err := first.Enqueue(ctx, ProjectJob{UserID: "u1", ProjectType: "blog"})
	if err != nil {
		t.Fatalf("enqueue b: %v", err)
	}
	msgs, err := first.Read(ctx, 10)
	if err != nil || len(msgs) != 2 {
		t.Fatalf("first read: %v %+v", err, msgs)
	}
	// The process stops here without acking either entry.

	c, err := first.Enqueue(ctx, ProjectJob{UserID: "u1", ProjectType: "shop"})
	if err != nil {
		t.Fatalf("enqueue c: %v", err)
	}

	restarted := NewStreamQueue(rdb, "test:projects", "workers", "c1", 20*time.Millisecond)
	var got []string
	for i := 0; i < 3; i++ {
		msgs, err := restarted.Read(ctx, 1)
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if len(msgs) != 1 {
			t.Fatalf("read %d: expected one message, got %+v", i, msgs)
		}
		got = append(got, msgs[0].Job.JobID)
		if err := restarted.Ack(ctx, msgs[0].ID); err != nil {
			t.Fatalf("ack: %v", err)
		}
	}
	want := []string{a.JobID, b.JobID, c.JobID}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("delivery order = %v, want %v", got, want)
		}
	}

	msgs, err = restarted.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read drained: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected nothing left, got %+v", msgs)
	}
}
