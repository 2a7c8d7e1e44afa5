package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/liamcoop/coachrules/internal/logger"
)

// ErrPermanent marks a sender error that must not be retried
var ErrPermanent = errors.New("permanent delivery failure")

// Sender pushes one message to the participant's channel
type Sender interface {
	Send(ctx context.Context, d Delivery) error
}

// SenderFunc adapts a function to Sender
type SenderFunc func(ctx context.Context, d Delivery) error

func (f SenderFunc) Send(ctx context.Context, d Delivery) error {
	return f(ctx, d)
}

// StatusFunc is called after every status transition with a copy of the delivery
type StatusFunc func(d Delivery)

// Dispatcher sends deliveries with bounded concurrency and retries
type Dispatcher struct {
	sender      Sender
	onStatus    StatusFunc
	concurrency int
	maxRetries  uint64
	newBackOff  func() backoff.BackOff
	now         func() time.Time

	group   *errgroup.Group
	mu      sync.Mutex
	pending int
}

// Option configures a Dispatcher
type Option func(*Dispatcher)

// WithStatusCallback registers fn for status transitions
func WithStatusCallback(fn StatusFunc) Option {
	return func(d *Dispatcher) { d.onStatus = fn }
}

// WithConcurrency bounds the number of sends in flight
func WithConcurrency(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithRetries sets how often a failed send is retried
func WithRetries(n uint64) Option {
	return func(d *Dispatcher) { d.maxRetries = n }
}

// WithBackOff sets the retry schedule
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.newBackOff = fn
		}
	}
}

// NewDispatcher creates a dispatcher for sender
func NewDispatcher(sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:      sender,
		onStatus:    func(Delivery) {},
		concurrency: 8,
		maxRetries:  3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxElapsedTime = time.Minute
			return b
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.group = new(errgroup.Group)
	d.group.SetLimit(d.concurrency)
	return d
}

// Dispatch queues deliveries for sending. It blocks only while the
// concurrency limit is saturated. A delivery without status is taken as
// PREPARED_FOR_SENDING; any other status is rejected.
func (d *Dispatcher) Dispatch(ctx context.Context, deliveries ...Delivery) error {
	for i := range deliveries {
		if deliveries[i].Status == "" {
			deliveries[i].Status = StatusPrepared
		}
		if deliveries[i].Status != StatusPrepared {
			return fmt.Errorf("%w: delivery %s is %s", ErrInvalidTransition, deliveries[i].ID, deliveries[i].Status)
		}
	}

	d.mu.Lock()
	d.pending += len(deliveries)
	d.mu.Unlock()

	for _, dl := range deliveries {
		d.group.Go(func() error {
			d.deliver(ctx, dl)
			return nil
		})
	}
	return nil
}

// Wait blocks until every queued delivery was sent or returned to prepared
func (d *Dispatcher) Wait() {
	_ = d.group.Wait()
}

// Pending returns the number of deliveries not yet finished
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

func (d *Dispatcher) deliver(ctx context.Context, dl Delivery) {
	defer func() {
		d.mu.Lock()
		d.pending--
		d.mu.Unlock()
	}()

	d.transition(&dl, StatusSending)

	b := backoff.WithContext(backoff.WithMaxRetries(d.newBackOff(), d.maxRetries), ctx)
	err := backoff.Retry(func() error {
		dl.Attempts++
		err := d.sender.Send(ctx, dl)
		if errors.Is(err, ErrPermanent) {
			return backoff.Permanent(err)
		}
		return err
	}, b)

	if err != nil {
		dl.LastError = err.Error()
		logger.DeliveryFailures.Add(1)
		logger.Warn("Delivery failed, message returned to prepared",
			"delivery_id", dl.ID, "rule_id", dl.RuleID, "participant_id", dl.ParticipantID,
			"attempts", dl.Attempts, "error", err)
		d.transition(&dl, StatusPrepared)
		return
	}
	d.transition(&dl, sentStatus(dl.Message))
}

func (d *Dispatcher) transition(dl *Delivery, to Status) {
	if err := dl.Transition(to, d.now()); err != nil {
		logger.Error("Unexpected delivery transition", "delivery_id", dl.ID, "error", err)
		return
	}
	d.onStatus(*dl)
}
