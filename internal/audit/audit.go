package audit

import (
	"github.com/rs/zerolog"

	"mailpipe/internal/message"
)

// Auditor records message state transitions when SMTP_DEBUG=1 is set.
type Auditor struct {
	log     zerolog.Logger
	enabled bool
}

// New returns an Auditor writing to l. A disabled Auditor drops everything.
func New(l zerolog.Logger, enabled bool) *Auditor {
	return &Auditor{
		log:     l.With().Str("component", "audit").Logger(),
		enabled: enabled,
	}
}

// Transition logs a status change observed for a message during a round.
func (a *Auditor) Transition(id string, attempt int, from, to message.Status, code int) {
	if a == nil || !a.enabled {
		return
	}
	a.log.Debug().
		Str("id", id).
		Int("attempt", attempt).
		Str("from", string(from)).
		Str("to", string(to)).
		Int("code", code).
		Msg("[AUDIT] status transition")
}

// Log prints a free-form audit line.
func (a *Auditor) Log(format string, args ...any) {
	if a == nil || !a.enabled {
		return
	}
	a.log.Debug().Msgf("[AUDIT] "+format, args...)
}
