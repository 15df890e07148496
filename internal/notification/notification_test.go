package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tasklane/tasklane/internal/types"
)

type captureChannel struct {
	mu     sync.Mutex
	events []Event
	fail   int32 // deliveries to fail before succeeding
}

func (c *captureChannel) Name() string { return "capture" }

func (c *captureChannel) Deliver(_ context.Context, ev Event) error {
	if atomic.AddInt32(&c.fail, -1) >= 0 {
		return errors.New("transient")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func (c *captureChannel) wait(t *testing.T, n int) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		got := len(c.events)
		c.mu.Unlock()
		if got >= n {
			c.mu.Lock()
			defer c.mu.Unlock()
			return append([]Event(nil), c.events...)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deliveries", n)
	return nil
}

func submittedTask() (*types.Task, *types.Application) {
	app := &types.Application{Acronym: "APP1"}
	task := &types.Task{
		AppAcronym: "APP1", Ordinal: 7, Name: "ship it",
		Stage: types.StageDone, Owner: "alice",
	}
	return task, app
}

func TestDispatcherDelivers(t *testing.T) {
	ch := &captureChannel{}
	d := NewDispatcher([]Channel{ch}, nil)
	d.Start()
	defer d.Shutdown()

	task, app := submittedTask()
	d.TaskSubmitted(task, app)

	events := ch.wait(t, 1)
	if events[0].TaskID != "APP1_7" || events[0].Owner != "alice" {
		t.Errorf("event = %+v", events[0])
	}
}

func TestDispatcherRetriesTransientFailure(t *testing.T) {
	ch := &captureChannel{fail: 2}
	d := NewDispatcher([]Channel{ch}, nil)
	d.Start()
	defer d.Shutdown()

	task, app := submittedTask()
	d.TaskSubmitted(task, app)

	events := ch.wait(t, 1)
	if len(events) != 1 {
		t.Fatalf("deliveries = %d", len(events))
	}
}

func TestDispatcherDropsWhenQueueFull(t *testing.T) {
	// No consumer running: fill the queue past capacity. Enqueue must
	// not block and must not panic.
	d := NewDispatcher(nil, nil)
	task, app := submittedTask()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < queueDepth+10; i++ {
			d.TaskSubmitted(task, app)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("TaskSubmitted blocked on a full queue")
	}
}

type blockingChannel struct {
	started chan struct{}
}

func (b *blockingChannel) Name() string { return "blocking" }

func (b *blockingChannel) Deliver(ctx context.Context, _ Event) error {
	close(b.started)
	<-ctx.Done()
	return ctx.Err()
}

func TestShutdownCancelsInFlightDelivery(t *testing.T) {
	ch := &blockingChannel{started: make(chan struct{})}
	d := NewDispatcher([]Channel{ch}, nil)
	d.Start()

	task, app := submittedTask()
	d.TaskSubmitted(task, app)

	select {
	case <-ch.started:
	case <-time.After(5 * time.Second):
		t.Fatal("delivery never started")
	}

	done := make(chan struct{})
	go func() {
		d.Shutdown()
		d.Shutdown() // second call must be a no-op
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Shutdown did not cancel the blocked delivery")
	}
}

func TestWebhookChannel(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("content type = %q", r.Header.Get("Content-Type"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	err := ch.Deliver(context.Background(), Event{TaskID: "APP1_7", App: "APP1", Owner: "alice"})
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if got.TaskID != "APP1_7" {
		t.Errorf("server saw %+v", got)
	}
}

func TestWebhookChannelServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ch := &WebhookChannel{URL: srv.URL}
	if err := ch.Deliver(context.Background(), Event{TaskID: "APP1_7"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestParseChannels(t *testing.T) {
	channels, err := ParseChannels(
		[]string{"log", "email:lead@example.com", "webhook:http://localhost:9999/hook"},
		SMTPConfig{Host: "localhost", Port: 25, From: "tl@example.com"}, nil)
	if err != nil {
		t.Fatalf("ParseChannels: %v", err)
	}
	if len(channels) != 3 {
		t.Fatalf("channels = %d", len(channels))
	}
	if channels[0].Name() != "log" || channels[1].Name() != "email" || channels[2].Name() != "webhook" {
		t.Errorf("names = %s %s %s", channels[0].Name(), channels[1].Name(), channels[2].Name())
	}

	for _, bad := range []string{"email:", "webhook:", "pigeon"} {
		if _, err := ParseChannels([]string{bad}, SMTPConfig{}, nil); err == nil {
			t.Errorf("ParseChannels(%q) accepted", bad)
		}
	}
}
