package message

import (
	"errors"
	"fmt"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending Status = "SENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
	StatusDeleted Status = "DELETED"
)

// ErrInvalidTransition is returned when a status change is not in the transition table.
var ErrInvalidTransition = errors.New("invalid status transition")

// transitions lists every allowed status change. SENDING->SENDING is a
// failed round with retry budget left.
var transitions = map[Status]map[Status]bool{
	StatusSending: {
		StatusSending: true,
		StatusSent:    true,
		StatusFailed:  true,
		StatusDeleted: true,
	},
	StatusSent:    {},
	StatusFailed:  {},
	StatusDeleted: {},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// Terminal reports whether no further transition is possible from s.
func (s Status) Terminal() bool {
	return s == StatusSent || s == StatusFailed || s == StatusDeleted
}

// CanTransition reports whether from->to is allowed.
func CanTransition(from, to Status) bool {
	return transitions[from][to]
}

// Message is one outbound email and its delivery state.
type Message struct {
	ID          string     `db:"uuid" json:"uuid"`
	From        string     `db:"from_addr" json:"from_addr"`
	To          string     `db:"to_addr" json:"to_addr"`
	Subject     string     `db:"subject" json:"subject"`
	Body        string     `db:"body" json:"body"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	DeletedAt   *time.Time `db:"deleted_at" json:"deleted_at"`
	LastAttempt *time.Time `db:"last_attempt" json:"last_attempt"`
	Attempts    int        `db:"attempts" json:"attempts"`
	Status      Status     `db:"status" json:"status"`
	StatusCode  *int       `db:"status_code" json:"status_code"`
}

// New returns a SENDING message created at now.
func New(id, from, to, subject, body string, now time.Time) *Message {
	return &Message{
		ID:        id,
		From:      from,
		To:        to,
		Subject:   subject,
		Body:      body,
		CreatedAt: now,
		Status:    StatusSending,
	}
}

// Transition moves the message to status to.
func (m *Message) Transition(to Status) error {
	if !CanTransition(m.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, m.Status, to)
	}
	m.Status = to
	return nil
}

// Cancel marks a SENDING message as deleted by the user.
func (m *Message) Cancel(now time.Time) error {
	if err := m.Transition(StatusDeleted); err != nil {
		return err
	}
	t := now
	m.DeletedAt = &t
	return nil
}

// RecordAttempt bumps the attempt counter and stamps the attempt time.
func (m *Message) RecordAttempt(now time.Time) int {
	m.Attempts++
	t := now
	m.LastAttempt = &t
	return m.Attempts
}

// SetStatusCode records the last SMTP reply code observed.
func (m *Message) SetStatusCode(code int) {
	c := code
	m.StatusCode = &c
}

// Clone returns a deep copy.
func (m *Message) Clone() *Message {
	c := *m
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.LastAttempt != nil {
		t := *m.LastAttempt
		c.LastAttempt = &t
	}
	if m.StatusCode != nil {
		s := *m.StatusCode
		c.StatusCode = &s
	}
	return &c
}

// IsSuccess reports whether an SMTP reply code means the message was accepted.
func IsSuccess(code int) bool {
	return code >= 250 && code <= 252
}
