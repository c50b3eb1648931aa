package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"mailpipe/delivery"
	"mailpipe/internal/audit"
	"mailpipe/internal/email"
	"mailpipe/internal/message"
	"mailpipe/internal/metrics"
	"mailpipe/queue"
	"mailpipe/storage"
)

var (
	// ErrMessageDeleted aborts a round for a message the user cancelled.
	ErrMessageDeleted = errors.New("message deleted")
	// ErrTerminal is returned for a message already SENT or FAILED.
	ErrTerminal = errors.New("message already finished")
)

// HostResolver picks the delivery host for a domain on a given attempt.
type HostResolver interface {
	Resolve(ctx context.Context, domain string, attempt int) (string, bool)
}

// Sender performs one SMTP exchange.
type Sender interface {
	Deliver(ctx context.Context, host, from, to string, data []byte) delivery.Outcome
}

// Signer adds a DKIM signature to a composed payload.
type Signer interface {
	Sign(message []byte, from string) ([]byte, error)
}

// Archive keeps a copy of composed payloads until cleanup.
type Archive interface {
	Save(id string, data []byte) error
	Remove(id string) error
}

// Options tunes retry policy and optional collaborators.
type Options struct {
	MaxRetries int
	RetryWait  time.Duration
	DeleteWait time.Duration
	Boundary   message.Boundary
	// RelayHost, when set, replaces MX resolution for every attempt.
	RelayHost string
	// Hostname is the Message-Id domain.
	Hostname string

	Signer  Signer
	Archive Archive
	Auditor *audit.Auditor
	Now     func() time.Time
}

// Pipeline drives messages from SENDING to a terminal status. It keeps no
// per-message state between stages; everything is read from and written to
// the store.
type Pipeline struct {
	store    storage.Store
	sched    queue.Scheduler
	resolver HostResolver
	sender   Sender
	log      zerolog.Logger
	opts     Options
}

// New creates a Pipeline.
func New(store storage.Store, sched queue.Scheduler, resolver HostResolver, sender Sender, log zerolog.Logger, opts Options) *Pipeline {
	if opts.MaxRetries < 1 {
		opts.MaxRetries = 1
	}
	if opts.Boundary == "" {
		opts.Boundary = message.BoundaryExact
	}
	if opts.Hostname == "" {
		opts.Hostname = "localhost"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Pipeline{
		store:    store,
		sched:    sched,
		resolver: resolver,
		sender:   sender,
		log:      log.With().Str("component", "pipeline").Logger(),
		opts:     opts,
	}
}

func (p *Pipeline) now() time.Time {
	return p.opts.Now().UTC()
}

// Submit starts the first round for an existing SENDING message.
func (p *Pipeline) Submit(ctx context.Context, id string) error {
	if err := p.sched.Schedule(ctx, queue.Task{Kind: queue.KindRound, MessageID: id}, 0); err != nil {
		return fmt.Errorf("submit %s: %w", id, err)
	}
	metrics.MessagesSubmitted.WithLabelValues().Inc()
	return nil
}

// ScheduleCleanup queues removal of the message after the delete wait.
func (p *Pipeline) ScheduleCleanup(ctx context.Context, id string) error {
	if err := p.sched.Schedule(ctx, queue.Task{Kind: queue.KindCleanup, MessageID: id}, p.opts.DeleteWait); err != nil {
		return fmt.Errorf("schedule cleanup %s: %w", id, err)
	}
	return nil
}

func (p *Pipeline) scheduleRound(ctx context.Context, id string) error {
	if err := p.sched.Schedule(ctx, queue.Task{Kind: queue.KindRound, MessageID: id}, p.opts.RetryWait); err != nil {
		return fmt.Errorf("schedule round %s: %w", id, err)
	}
	return nil
}

// Permanent reports whether err ends a message's chain for good.
func Permanent(err error) bool {
	return errors.Is(err, ErrMessageDeleted) ||
		errors.Is(err, ErrTerminal) ||
		errors.Is(err, storage.ErrNotFound) ||
		errors.Is(err, email.ErrInvalidAddress)
}

// Handle is the queue.Handler for pipeline tasks. A round or cleanup that
// fails for a transient reason is queued again after the retry wait.
func (p *Pipeline) Handle(ctx context.Context, task queue.Task) error {
	var err error
	switch task.Kind {
	case queue.KindRound:
		err = p.Round(ctx, task.MessageID)
	case queue.KindCleanup:
		err = p.Cleanup(ctx, task.MessageID)
	default:
		return fmt.Errorf("%w: unknown kind %q", queue.ErrInvalidTask, task.Kind)
	}
	if err == nil {
		return nil
	}
	if Permanent(err) {
		p.log.Info().Str("id", task.MessageID).Str("task", string(task.Kind)).Str("reason", err.Error()).Msg("Chain stopped")
		return nil
	}
	if rerr := p.sched.Schedule(ctx, task, p.opts.RetryWait); rerr != nil {
		return fmt.Errorf("%s: %w (requeue failed: %v)", task, err, rerr)
	}
	p.log.Warn().Err(err).Str("id", task.MessageID).Str("task", string(task.Kind)).Dur("wait", p.opts.RetryWait).Msg("Task requeued")
	return nil
}

// Cancel marks a SENDING message DELETED and schedules its cleanup. Rounds
// already running finish their SMTP exchange; the next round stops. Cancelling
// a DELETED message queues its cleanup again and fails with ErrTerminal.
func (p *Pipeline) Cancel(ctx context.Context, id string) error {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	from := m.Status
	if from == message.StatusDeleted {
		// An earlier cancel may have stored DELETED without queueing cleanup.
		if err := p.ScheduleCleanup(ctx, id); err != nil {
			return fmt.Errorf("cancel %s: %w", id, err)
		}
		return fmt.Errorf("cancel %s: %w: status %s", id, ErrTerminal, from)
	}
	if err := m.Cancel(p.now()); err != nil {
		return fmt.Errorf("cancel %s: %w: status %s", id, ErrTerminal, from)
	}
	if err := p.store.Update(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDeleted) {
			return fmt.Errorf("cancel %s: %w", id, ErrTerminal)
		}
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	p.opts.Auditor.Transition(id, m.Attempts, from, message.StatusDeleted, 0)
	metrics.MessagesTerminal.WithLabelValues(string(message.StatusDeleted)).Inc()
	return p.ScheduleCleanup(ctx, id)
}

// Cleanup removes the message record and its archived payload. Removing an
// absent message is not an error.
func (p *Pipeline) Cleanup(ctx context.Context, id string) error {
	if p.opts.Archive != nil {
		if err := p.opts.Archive.Remove(id); err != nil {
			p.log.Warn().Err(err).Str("id", id).Msg("Failed to remove archived payload")
		}
	}
	if err := p.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("cleanup %s: %w", id, err)
	}
	metrics.Cleanups.WithLabelValues().Inc()
	p.log.Info().Str("id", id).Msg("Message cleaned up")
	return nil
}
