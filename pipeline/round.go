package pipeline

import (
	"context"
	"errors"
	"fmt"

	"mailpipe/delivery"
	"mailpipe/internal/email"
	"mailpipe/internal/message"
	"mailpipe/internal/metrics"
	"mailpipe/storage"
)

// attempt is the hand-off from record-attempt to the later stages.
type attempt struct {
	msg    *message.Message
	number int
}

// target is the hand-off from resolve to deliver.
type target struct {
	host  string
	found bool
}

// Round runs one pass: record attempt, resolve host, deliver, interpret.
// Each stage hands its result to the next; only the final stage schedules
// further work.
func (p *Pipeline) Round(ctx context.Context, id string) error {
	a, err := p.recordAttempt(ctx, id)
	if err != nil {
		return err
	}

	t, err := p.resolveHost(ctx, a)
	if err != nil {
		return p.fail(ctx, a, err)
	}

	out, err := p.deliver(ctx, a, t)
	if err != nil {
		return p.fail(ctx, a, err)
	}

	return p.interpret(ctx, a, t, out)
}

// recordAttempt loads the message, bumps attempts and persists it before any
// network activity. DELETED is the veto that stops the chain. A finished
// message gets its cleanup queued again instead of a new attempt.
func (p *Pipeline) recordAttempt(ctx context.Context, id string) (attempt, error) {
	m, err := p.store.Get(ctx, id)
	if err != nil {
		return attempt{}, fmt.Errorf("record attempt %s: %w", id, err)
	}
	switch {
	case m.Status == message.StatusDeleted:
		p.opts.Auditor.Log("round aborted for deleted message %s", id)
		if err := p.ScheduleCleanup(ctx, id); err != nil {
			return attempt{}, err
		}
		return attempt{}, fmt.Errorf("record attempt %s: %w", id, ErrMessageDeleted)
	case m.Status.Terminal():
		// The finishing round may not have queued its cleanup.
		if err := p.ScheduleCleanup(ctx, id); err != nil {
			return attempt{}, err
		}
		return attempt{}, fmt.Errorf("record attempt %s: %w: status %s", id, ErrTerminal, m.Status)
	case m.Attempts >= p.opts.MaxRetries:
		// Budget spent by an earlier round that never reached interpretation.
		if err := p.finish(ctx, m, message.StatusFailed); err != nil {
			return attempt{}, err
		}
		return attempt{}, fmt.Errorf("record attempt %s: %w: retry budget spent", id, ErrTerminal)
	}

	n := m.RecordAttempt(p.now())
	if err := p.store.Update(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDeleted) {
			return attempt{}, fmt.Errorf("record attempt %s: %w", id, ErrMessageDeleted)
		}
		return attempt{}, fmt.Errorf("record attempt %s: %w", id, err)
	}
	return attempt{msg: m, number: n}, nil
}

// resolveHost picks the host for this attempt. A recipient without a domain
// is a fatal input error.
func (p *Pipeline) resolveHost(ctx context.Context, a attempt) (target, error) {
	if p.opts.RelayHost != "" {
		return target{host: p.opts.RelayHost, found: true}, nil
	}
	domain, err := email.Domain(a.msg.To)
	if err != nil {
		return target{}, fmt.Errorf("resolve %s: %w", a.msg.ID, err)
	}
	host, ok := p.resolver.Resolve(ctx, domain, a.number)
	return target{host: host, found: ok}, nil
}

// deliver composes the payload and hands it to the transport. Without a
// host the transport is skipped and the no-host outcome is returned.
func (p *Pipeline) deliver(ctx context.Context, a attempt, t target) (delivery.Outcome, error) {
	if !t.found {
		return delivery.NoHost(), nil
	}

	m := a.msg
	data, err := email.Compose(email.Draft{
		ID:      m.ID,
		From:    m.From,
		To:      m.To,
		Subject: m.Subject,
		Body:    m.Body,
		Date:    m.CreatedAt,
	}, p.opts.Hostname)
	if err != nil {
		return delivery.Outcome{}, fmt.Errorf("compose %s: %w", m.ID, err)
	}

	if p.opts.Signer != nil {
		signed, err := p.opts.Signer.Sign(data, m.From)
		if err != nil {
			p.log.Warn().Err(err).Str("id", m.ID).Msg("DKIM signing failed, sending unsigned")
		} else {
			data = signed
		}
	}
	if p.opts.Archive != nil {
		if err := p.opts.Archive.Save(m.ID, data); err != nil {
			p.log.Warn().Err(err).Str("id", m.ID).Msg("Failed to archive payload")
		}
	}

	return p.sender.Deliver(ctx, t.host, m.From, m.To, data), nil
}

// interpret reloads the message, folds the outcome into it and decides
// between another round and cleanup.
func (p *Pipeline) interpret(ctx context.Context, a attempt, t target, out delivery.Outcome) error {
	id := a.msg.ID
	metrics.DeliveryAttempts.WithLabelValues(metrics.AttemptResult(out.Code)).Inc()
	ev := p.log.Info()
	if out.IsTransportFailure() {
		ev = p.log.Warn()
	}
	ev.Str("id", id).
		Int("attempt", a.number).
		Str("host", t.host).
		Int("code", out.Code).
		Str("reply", out.Message).
		Msg("Delivery attempt finished")

	m, err := p.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("interpret %s: %w", id, err)
	}
	if m.Status == message.StatusDeleted {
		p.opts.Auditor.Log("outcome %s discarded for deleted message %s", out, id)
		return fmt.Errorf("interpret %s: %w", id, ErrMessageDeleted)
	}
	if m.Status.Terminal() {
		return fmt.Errorf("interpret %s: %w: status %s", id, ErrTerminal, m.Status)
	}

	from := m.Status
	next := p.opts.Boundary.Next(out.Code, m.Attempts, p.opts.MaxRetries)
	m.SetStatusCode(out.Code)
	if err := m.Transition(next); err != nil {
		return fmt.Errorf("interpret %s: %w", id, err)
	}
	if err := p.store.Update(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDeleted) {
			return fmt.Errorf("interpret %s: %w", id, ErrMessageDeleted)
		}
		return fmt.Errorf("interpret %s: %w", id, err)
	}
	p.opts.Auditor.Transition(id, m.Attempts, from, next, out.Code)

	if next.Terminal() {
		metrics.MessagesTerminal.WithLabelValues(string(next)).Inc()
		p.log.Info().Str("id", id).Str("status", string(next)).Int("attempts", m.Attempts).Msg("Message finished")
		return p.ScheduleCleanup(ctx, id)
	}
	return p.scheduleRound(ctx, id)
}

// fail ends the chain after a fatal input error: FAILED, then cleanup. If the
// status cannot be written the store error is returned so the round is
// retried.
func (p *Pipeline) fail(ctx context.Context, a attempt, cause error) error {
	m, err := p.store.Get(ctx, a.msg.ID)
	if err != nil {
		return fmt.Errorf("mark failed after %v: %w", cause, err)
	}
	if m.Status == message.StatusSending {
		if err := p.finish(ctx, m, message.StatusFailed); err != nil {
			return fmt.Errorf("mark failed after %v: %w", cause, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrTerminal, cause)
}

// finish moves m to a terminal status and schedules cleanup.
func (p *Pipeline) finish(ctx context.Context, m *message.Message, to message.Status) error {
	from := m.Status
	if err := m.Transition(to); err != nil {
		return fmt.Errorf("finish %s: %w", m.ID, err)
	}
	if err := p.store.Update(ctx, m); err != nil {
		if errors.Is(err, storage.ErrDeleted) {
			return fmt.Errorf("finish %s: %w", m.ID, ErrMessageDeleted)
		}
		return fmt.Errorf("finish %s: %w", m.ID, err)
	}
	p.opts.Auditor.Transition(m.ID, m.Attempts, from, to, 0)
	metrics.MessagesTerminal.WithLabelValues(string(to)).Inc()
	p.log.Info().Str("id", m.ID).Str("status", string(to)).Int("attempts", m.Attempts).Msg("Message finished")
	return p.ScheduleCleanup(ctx, m.ID)
}
