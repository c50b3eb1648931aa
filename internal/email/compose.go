package email

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-message/mail"
)

// Draft holds the fields a transport-ready message is built from.
type Draft struct {
	ID      string
	From    string
	To      string
	Subject string
	Body    string
	Date    time.Time
}

// Compose renders d as an RFC 5322 message with a single text/plain part.
// The result is the exact DATA payload handed to the SMTP transport.
func Compose(d Draft, hostname string) ([]byte, error) {
	from, err := mail.ParseAddress(d.From)
	if err != nil {
		return nil, fmt.Errorf("%w: from: %v", ErrInvalidAddress, err)
	}
	to, err := mail.ParseAddress(d.To)
	if err != nil {
		return nil, fmt.Errorf("%w: to: %v", ErrInvalidAddress, err)
	}

	date := d.Date
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(d.Subject)
	if d.ID != "" && hostname != "" {
		h.Set("Message-Id", "<"+d.ID+"@"+hostname+">")
	}
	h.Set("Mime-Version", "1.0")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create writer: %w", err)
	}
	if _, err := io.WriteString(w, d.Body); err != nil {
		return nil, fmt.Errorf("write body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer: %w", err)
	}
	return buf.Bytes(), nil
}
