// Package notify delivers best-effort job and payment events to counterparties. Delivery
// runs on a bounded worker pool; a failed or dropped notification is logged and counted but
// never reported back to the operation that raised it.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/civicbounty/service_layer/internal/logging"
	"github.com/civicbounty/service_layer/internal/metrics"
)

// Event types.
const (
	EventJobCreated     = "job_created"
	EventFixSubmitted   = "fix_submitted"
	EventFixApproved    = "fix_approved"
	EventFixRejected    = "fix_rejected"
	EventJobClosed      = "job_closed"
	EventJobDeleted     = "job_deleted"
	EventRewardPaid     = "reward_paid"
	EventRewardCredited = "reward_credited"
)

// Event is one notification.
type Event struct {
	Type       string                 `json:"type"`
	JobID      string                 `json:"job_id,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	At         time.Time              `json:"at"`
}

// Sender delivers events to one channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, event Event) error
}

// Notifier accepts events for asynchronous delivery.
type Notifier interface {
	Dispatch(event Event) bool
}

// Config sizes the worker pool.
type Config struct {
	Workers     int
	QueueSize   int
	SendTimeout time.Duration
}

// Dispatcher fans events out to every sender from a fixed set of workers.
type Dispatcher struct {
	cfg     Config
	senders []Sender
	logger  *logging.Logger
	queue   chan Event

	startOnce sync.Once
	stopOnce  sync.Once
	mu        sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Call Start before dispatching.
func NewDispatcher(cfg Config, logger *logging.Logger, senders ...Sender) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = logging.NewDefault("notify")
	}
	return &Dispatcher{
		cfg:     cfg,
		senders: senders,
		logger:  logger,
		queue:   make(chan Event, cfg.QueueSize),
	}
}

// Start launches the workers.
func (d *Dispatcher) Start() {
	d.startOnce.Do(func() {
		for i := 0; i < d.cfg.Workers; i++ {
			d.wg.Add(1)
			go d.worker()
		}
	})
}

// Dispatch enqueues an event without blocking. It returns false when the event was dropped.
func (d *Dispatcher) Dispatch(event Event) bool {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return false
	}
	select {
	case d.queue <- event:
		return true
	default:
		d.logger.WithFields(map[string]interface{}{
			"event":  event.Type,
			"job_id": event.JobID,
		}).Warn("Notification queue full, dropping event")
		metrics.RecordNotification("queue", false)
		return false
	}
}

// Stop stops accepting events and waits for queued ones to be delivered.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		close(d.queue)
		d.mu.Unlock()
		d.wg.Wait()
	})
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for event := range d.queue {
		d.deliver(event)
	}
}

func (d *Dispatcher) deliver(event Event) {
	for _, sender := range d.senders {
		ctx, cancel := context.WithTimeout(context.Background(), d.cfg.SendTimeout)
		err := d.send(ctx, sender, event)
		cancel()

		metrics.RecordNotification(sender.Name(), err == nil)
		if err != nil {
			d.logger.WithFields(map[string]interface{}{
				"sender": sender.Name(),
				"event":  event.Type,
				"job_id": event.JobID,
			}).WithError(err).Warn("Notification delivery failed")
		}
	}
}

// send isolates a panicking sender from the worker.
func (d *Dispatcher) send(ctx context.Context, sender Sender, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError{value: r}
		}
	}()
	return sender.Send(ctx, event)
}

type panicError struct{ value interface{} }

func (p panicError) Error() string {
	return fmt.Sprintf("sender panicked: %v", p.value)
}
