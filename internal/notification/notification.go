// Package notification delivers review alerts when a task is submitted
// for review. Delivery is fire-and-forget: the lifecycle engine enqueues
// after commit and never waits on the outcome.
package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tasklane/tasklane/internal/types"
)

// Event describes a task entering review.
type Event struct {
	TaskID      string    `json:"task_id"`
	TaskName    string    `json:"task_name"`
	App         string    `json:"app"`
	Owner       string    `json:"owner"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Channel delivers a single event to one destination.
type Channel interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Dispatcher owns a buffered queue and a single consumer goroutine.
// Enqueueing never blocks; when the queue is full the event is dropped
// and logged, never propagated back to the mutation that produced it.
type Dispatcher struct {
	queue    chan Event
	channels []Channel
	log      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

const queueDepth = 64

// NewDispatcher creates a stopped dispatcher. Call Start before use.
func NewDispatcher(channels []Channel, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		queue:    make(chan Event, queueDepth),
		channels: channels,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the consumer goroutine.
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Shutdown cancels any in-flight delivery and drops queued events,
// then waits for the worker to exit. Idempotent.
func (d *Dispatcher) Shutdown() {
	d.once.Do(func() {
		d.cancel()
		d.wg.Wait()
	})
}

// TaskSubmitted implements the lifecycle engine's Notifier. Non-blocking.
func (d *Dispatcher) TaskSubmitted(task *types.Task, app *types.Application) {
	ev := Event{
		TaskID:      task.DisplayID(),
		TaskName:    task.Name,
		App:         app.Acronym,
		Owner:       task.Owner,
		SubmittedAt: time.Now().UTC(),
	}
	select {
	case d.queue <- ev:
	default:
		d.log.Warn("notification queue full, dropping event", "task", ev.TaskID)
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ev)
		}
	}
}

func (d *Dispatcher) deliver(ev Event) {
	for _, ch := range d.channels {
		op := func() error {
			ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
			defer cancel()
			return ch.Deliver(ctx, ev)
		}
		b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), d.ctx)
		if err := backoff.Retry(op, b); err != nil {
			d.log.Error("notification delivery failed",
				"channel", ch.Name(), "task", ev.TaskID, "error", err)
			continue
		}
		d.log.Info("notification delivered", "channel", ch.Name(), "task", ev.TaskID)
	}
}

// ParseChannels builds channels from config strings: "log",
// "email:<recipient>", "webhook:<url>".
func ParseChannels(specs []string, smtpCfg SMTPConfig, log *slog.Logger) ([]Channel, error) {
	var channels []Channel
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		switch {
		case spec == "log":
			channels = append(channels, &LogChannel{Log: log})
		case strings.HasPrefix(spec, "email:"):
			to := strings.TrimPrefix(spec, "email:")
			if to == "" {
				return nil, fmt.Errorf("email channel needs a recipient: %q", spec)
			}
			channels = append(channels, &EmailChannel{To: to, Config: smtpCfg})
		case strings.HasPrefix(spec, "webhook:"):
			url := strings.TrimPrefix(spec, "webhook:")
			if url == "" {
				return nil, fmt.Errorf("webhook channel needs a URL: %q", spec)
			}
			channels = append(channels, &WebhookChannel{URL: url})
		default:
			return nil, fmt.Errorf("unknown notification channel %q", spec)
		}
	}
	return channels, nil
}

// LogChannel writes the event to the structured log. Always succeeds.
type LogChannel struct {
	Log *slog.Logger
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Deliver(_ context.Context, ev Event) error {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	log.Info("task submitted for review",
		"task", ev.TaskID, "name", ev.TaskName, "owner", ev.Owner)
	return nil
}

// SMTPConfig holds mail relay settings.
type SMTPConfig struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

func (c SMTPConfig) addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// EmailChannel sends a plain-text mail per event.
type EmailChannel struct {
	To     string
	Config SMTPConfig
}

func (c *EmailChannel) Name() string { return "email" }

func (c *EmailChannel) Deliver(_ context.Context, ev Event) error {
	var msg bytes.Buffer
	fmt.Fprintf(&msg, "From: %s\r\n", c.Config.From)
	fmt.Fprintf(&msg, "To: %s\r\n", c.To)
	fmt.Fprintf(&msg, "Subject: [%s] %s awaiting review\r\n", ev.App, ev.TaskID)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Task %s (%s) was submitted for review by %s at %s.\r\n",
		ev.TaskID, ev.TaskName, ev.Owner, ev.SubmittedAt.Format(time.RFC3339))

	var auth smtp.Auth
	if c.Config.Username != "" {
		auth = smtp.PlainAuth("", c.Config.Username, c.Config.Password, c.Config.Host)
	}
	return smtp.SendMail(c.Config.addr(), auth, c.Config.From, []string{c.To}, msg.Bytes())
}

// WebhookChannel POSTs the event as JSON.
type WebhookChannel struct {
	URL    string
	Client *http.Client
}

func (c *WebhookChannel) Name() string { return "webhook" }

func (c *WebhookChannel) Deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return backoff.Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := c.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s returned %d", c.URL, resp.StatusCode)
	}
	return nil
}
