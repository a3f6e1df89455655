package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestRedisBrokerRoutesByFilter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	b := NewRedisBroker(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rec := &topicRecorder{}
	if err := b.Subscribe(ctx, "jobs/D1/jobs/#", func(_ context.Context, topic string, payload []byte) {
		rec.add(topic + " " + string(payload))
	}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if !b.IsConnected() {
		t.Fatal("IsConnected = false")
	}

	if err := b.Publish(ctx, "jobs/D2/jobs/notify-next", []byte(`{}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if err := b.Publish(ctx, "jobs/D1/jobs/notify-next", []byte(`{"timestamp":1}`)); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got := rec.waitFor(t, 1)
	if got[0] != `jobs/D1/jobs/notify-next {"timestamp":1}` {
		t.Errorf("delivered %q", got[0])
	}
	time.Sleep(50 * time.Millisecond)
	if n := len(rec.waitFor(t, 1)); n != 1 {
		t.Errorf("delivered %d messages, want 1", n)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
