package api

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"mailpipe/internal/email"
	"mailpipe/internal/message"
	"mailpipe/pipeline"
	"mailpipe/storage"
)

// MaxSubjectLength bounds the subject in characters, the width of the store column.
const MaxSubjectLength = 78

var (
	// ErrInvalidRequest is returned when a request fails validation.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrConflict is returned when deleting a message that already finished.
	ErrConflict = errors.New("message already sent or failed")
)

// Submitter starts and cancels delivery. *pipeline.Pipeline implements it.
type Submitter interface {
	Submit(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// SendRequest is the body of POST /v1/email. Every field is required.
type SendRequest struct {
	From    *string `json:"from_addr"`
	To      *string `json:"to_addr"`
	Subject *string `json:"subject"`
	Body    *string `json:"body"`
}

// Service implements the CRUD operations behind the REST handlers.
type Service struct {
	store  storage.Store
	submit Submitter
	now    func() time.Time
	newID  func() string
}

// NewService creates a Service.
func NewService(store storage.Store, submit Submitter) *Service {
	return &Service{
		store:  store,
		submit: submit,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

// Validate checks r and returns the normalised envelope.
func (r SendRequest) Validate() (from, to string, err error) {
	if r.From == nil || r.To == nil || r.Subject == nil || r.Body == nil {
		return "", "", fmt.Errorf("%w: from_addr, to_addr, subject and body are required", ErrInvalidRequest)
	}
	from, err = email.ParseAddress(*r.From)
	if err != nil {
		return "", "", fmt.Errorf("%w: from_addr: %v", ErrInvalidRequest, err)
	}
	to, err = email.ParseAddress(*r.To)
	if err != nil {
		return "", "", fmt.Errorf("%w: to_addr: %v", ErrInvalidRequest, err)
	}
	if utf8.RuneCountInString(*r.Subject) > MaxSubjectLength {
		return "", "", fmt.Errorf("%w: subject longer than %d characters", ErrInvalidRequest, MaxSubjectLength)
	}
	return from, to, nil
}

// Create stores a new SENDING message and starts its first round. The record
// is removed again when the round cannot be scheduled.
func (s *Service) Create(ctx context.Context, r SendRequest) (*message.Message, error) {
	from, to, err := r.Validate()
	if err != nil {
		return nil, err
	}
	m := message.New(s.newID(), from, to, *r.Subject, *r.Body, s.now().UTC())
	if err := s.store.Put(ctx, m); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	if err := s.submit.Submit(ctx, m.ID); err != nil {
		// Nothing will ever deliver or clean up an unscheduled record.
		if derr := s.store.Delete(ctx, m.ID); derr != nil {
			return nil, fmt.Errorf("create message: %w (removing record failed: %v)", err, derr)
		}
		return nil, fmt.Errorf("create message: %w", err)
	}
	return m, nil
}

// Get returns the current record.
func (s *Service) Get(ctx context.Context, id string) (*message.Message, error) {
	return s.store.Get(ctx, id)
}

// Delete cancels a SENDING message. Finished messages yield ErrConflict.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.submit.Cancel(ctx, id); err != nil {
		if errors.Is(err, pipeline.ErrTerminal) {
			return fmt.Errorf("%w: %v", ErrConflict, err)
		}
		return err
	}
	return nil
}

// List returns a page of message ids.
func (s *Service) List(ctx context.Context, limit, offset int) ([]string, error) {
	if limit < 0 || offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", ErrInvalidRequest)
	}
	return s.store.List(ctx, limit, offset)
}
