// Package delivery drains the durable fan-out log. Workers push persisted
// messages to online recipients, retry stalled entries by claiming them, and
// park terminally failed jobs on a dead-letter stream.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emberchat/ember/internal/apperr"
	"github.com/emberchat/ember/internal/deliverylog"
	"github.com/emberchat/ember/internal/fabric"
	"github.com/emberchat/ember/internal/model"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var (
	jobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "delivery_jobs_processed_total",
		Help: "Fan-out jobs processed, by outcome.",
	}, []string{"result"})
	jobsRetried = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_jobs_retried_total",
		Help: "Pending jobs reclaimed for another attempt.",
	})
	deadLetters = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "delivery_dead_letters_total",
		Help: "Jobs parked after exhausting retries.",
	})
	pushLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "delivery_push_latency_seconds",
		Help:    "Time from enqueue to push for delivered messages.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})
)

func init() {
	prometheus.MustRegister(jobsProcessed, jobsRetried, deadLetters, pushLatency)
}

// Store is the slice of the data layer the worker needs.
type Store interface {
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	GetDeliveryRecord(ctx context.Context, msgID, recipientID uuid.UUID) (*model.DeliveryRecord, error)
	TransitionDelivery(ctx context.Context, msgID, recipientID uuid.UUID, target model.DeliveryStatus) (bool, error)
}

// Pusher is the slice of the fabric the worker needs. The worker never
// touches sockets; it asks the fabric to push.
type Pusher interface {
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	PushToUser(ctx context.Context, userID uuid.UUID, event string, payload any) error
}

// Options tunes a worker pool.
type Options struct {
	BatchSize    int
	MaxRetries   int
	RetryDelay   time.Duration // doubles as the claim-idle threshold
	PollInterval time.Duration
	ErrorBackoff time.Duration
}

func (o *Options) defaults() {
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 5
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.ErrorBackoff <= 0 {
		o.ErrorBackoff = 5 * time.Second
	}
}

// Worker is one consumer in the delivery group. Run several; the log's
// consumer group keeps them from double-processing.
type Worker struct {
	name   string
	dlog   deliverylog.Log
	store  Store
	pusher Pusher
	opts   Options
}

// NewWorker creates a named consumer. Names must be unique within the group.
func NewWorker(name string, dlog deliverylog.Log, store Store, pusher Pusher, opts Options) *Worker {
	opts.defaults()
	return &Worker{name: name, dlog: dlog, store: store, pusher: pusher, opts: opts}
}

// Run processes jobs until ctx is done. The current batch finishes before
// Run returns, so shutdown never strands a half-processed entry unacked
// longer than the claim threshold.
func (w *Worker) Run(ctx context.Context) {
	log.Info().Str("consumer", w.name).Msg("delivery worker started")
	for {
		if ctx.Err() != nil {
			log.Info().Str("consumer", w.name).Msg("delivery worker stopped")
			return
		}
		if err := w.runOnce(ctx); err != nil {
			if ctx.Err() != nil {
				continue
			}
			log.Error().Err(err).Str("consumer", w.name).Msg("delivery pass failed")
			select {
			case <-ctx.Done():
			case <-time.After(w.opts.ErrorBackoff):
			}
		}
	}
}

// runOnce does one new-entry pass and one reclaim pass.
func (w *Worker) runOnce(ctx context.Context) error {
	entries, err := w.dlog.ReadNew(ctx, w.name, w.opts.BatchSize, w.opts.PollInterval)
	if err != nil {
		return fmt.Errorf("read new entries: %w", err)
	}
	for _, e := range entries {
		if err := w.process(ctx, e); err != nil {
			// Leave unacked; the reclaim pass retries it after the idle
			// threshold.
			if errors.Is(err, errAwaitingRecipients) {
				log.Debug().Str("entry", e.ID).Msg("job waiting on offline recipients")
			} else {
				log.Warn().Err(err).Str("entry", e.ID).Msg("job left pending")
			}
			jobsProcessed.WithLabelValues("deferred").Inc()
		}
	}

	return w.reclaim(ctx)
}

// reclaim retries entries that have sat unacknowledged past the retry delay,
// whether they were deferred by this worker or orphaned by a dead one.
func (w *Worker) reclaim(ctx context.Context) error {
	pending, err := w.dlog.ReadPending(ctx, w.opts.RetryDelay, w.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("read pending entries: %w", err)
	}
	for _, p := range pending {
		e, ok, err := w.dlog.Claim(ctx, p.ID, w.name, w.opts.RetryDelay)
		if err != nil {
			return fmt.Errorf("claim %s: %w", p.ID, err)
		}
		if !ok {
			continue // acked or raced away
		}
		// The payload's attempt count is stale; the log tracks how many times
		// the entry has been handed out, and that survives worker restarts.
		e.Job.Attempts = p.Job.Attempts

		if e.Job.Attempts > w.opts.MaxRetries {
			w.park(ctx, e)
			continue
		}
		jobsRetried.Inc()
		if err := w.process(ctx, e); err != nil {
			log.Warn().Err(err).Str("entry", e.ID).Int("attempts", e.Job.Attempts).Msg("retry failed")
		}
	}
	return nil
}

// errAwaitingRecipients marks a pass where nothing failed but some recipient
// has still not reached delivered. The entry stays unacked so retry passes
// resurface it until every recipient lands or the retry budget parks it.
var errAwaitingRecipients = errors.New("recipients still awaiting delivery")

// process delivers one job. Acks only when every recipient has reached
// delivered or the job can never succeed; otherwise the entry stays pending
// for a later retry.
func (w *Worker) process(ctx context.Context, e deliverylog.Entry) error {
	msg, err := w.store.GetMessage(ctx, e.Job.MessageID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			// Hard-deleted or never committed. Nothing to deliver, ever.
			jobsProcessed.WithLabelValues("gone").Inc()
			return w.dlog.Ack(ctx, e.ID)
		}
		return fmt.Errorf("load message %s: %w", e.Job.MessageID, err)
	}

	// One failing recipient never blocks the rest; their record stays at sent
	// and the unacked job retries them later.
	var firstErr error
	waiting := 0
	for _, recipient := range e.Job.Recipients {
		if msg.SenderID != nil && *msg.SenderID == recipient {
			continue
		}
		done, err := w.deliverTo(ctx, e.Job, msg, recipient)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("deliver %s to %s: %w", msg.ID, recipient, err)
			}
			continue
		}
		if !done {
			waiting++
		}
	}
	if firstErr != nil {
		return firstErr
	}
	if waiting > 0 {
		return fmt.Errorf("message %s: %d offline: %w", msg.ID, waiting, errAwaitingRecipients)
	}

	jobsProcessed.WithLabelValues("ok").Inc()
	return w.dlog.Ack(ctx, e.ID)
}

// deliverTo pushes to one recipient and reports whether their record has
// reached delivered. Reprocessing a partially delivered job is safe:
// recipients already at delivered or read are skipped, so no one sees a
// duplicate push or a status regression. An offline recipient is not done:
// the job keeps retrying them until it dead-letters, and connection catch-up
// covers whatever window remains.
func (w *Worker) deliverTo(ctx context.Context, job deliverylog.Job, msg *model.Message, recipient uuid.UUID) (bool, error) {
	rec, err := w.store.GetDeliveryRecord(ctx, msg.ID, recipient)
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		return false, err
	}
	if rec != nil && rec.Status.Rank() >= model.DeliveryDelivered.Rank() {
		return true, nil
	}

	online, err := w.pusher.IsOnline(ctx, recipient)
	if err != nil {
		return false, err
	}
	if !online {
		return false, nil
	}

	if err := w.pusher.PushToUser(ctx, recipient, fabric.EvMessageNew, msg); err != nil {
		return false, err
	}
	if _, err := w.store.TransitionDelivery(ctx, msg.ID, recipient, model.DeliveryDelivered); err != nil {
		return false, err
	}
	if !job.EnqueuedAt.IsZero() {
		pushLatency.Observe(time.Since(job.EnqueuedAt).Seconds())
	}
	return true, nil
}

// park moves a job that exhausted its retries to the dead-letter stream and
// acks it so the pending list stays bounded.
func (w *Worker) park(ctx context.Context, e deliverylog.Entry) {
	dl := deliverylog.DeadLetter{
		Job:      e.Job,
		FailedAt: time.Now().UTC(),
		Reason:   "max_retries_exceeded",
	}
	if err := w.dlog.AppendDeadLetter(ctx, dl); err != nil {
		log.Error().Err(err).Str("entry", e.ID).Msg("dead-letter append failed")
		return // keep it pending rather than lose it
	}
	if err := w.dlog.Ack(ctx, e.ID); err != nil {
		log.Error().Err(err).Str("entry", e.ID).Msg("ack after dead-letter failed")
		return
	}
	deadLetters.Inc()
	jobsProcessed.WithLabelValues("dead").Inc()
	log.Error().
		Str("message_id", e.Job.MessageID.String()).
		Int("attempts", e.Job.Attempts).
		Msg("job dead-lettered")
}

// Pool runs n workers against the same log and waits for all of them on
// shutdown.
type Pool struct {
	workers []*Worker
	done    chan struct{}
}

// NewPool creates n workers named consumer-0..n-1.
func NewPool(n int, dlog deliverylog.Log, store Store, pusher Pusher, opts Options) *Pool {
	if n <= 0 {
		n = 1
	}
	p := &Pool{done: make(chan struct{})}
	for i := 0; i < n; i++ {
		p.workers = append(p.workers, NewWorker(fmt.Sprintf("consumer-%d", i), dlog, store, pusher, opts))
	}
	return p
}

// Run starts every worker and blocks until all have stopped.
func (p *Pool) Run(ctx context.Context) {
	running := make(chan struct{}, len(p.workers))
	for _, w := range p.workers {
		w := w
		go func() {
			w.Run(ctx)
			running <- struct{}{}
		}()
	}
	for range p.workers {
		<-running
	}
	close(p.done)
}

// Done is closed once every worker has exited.
func (p *Pool) Done() <-chan struct{} { return p.done }
