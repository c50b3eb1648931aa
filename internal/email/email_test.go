package email

import (
	"bytes"
	"errors"
	"io"
	"mime"
	netmail "net/mail"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Test    string
		Input   string
		Want    string
		WantErr bool
	}{
		{Test: "basic", Input: "user@example.com", Want: "user@example.com"},
		{Test: "surrounding space", Input: "  recipient@domain.test ", Want: "recipient@domain.test"},
		{Test: "angle brackets", Input: "<user@example.com>", Want: "user@example.com"},
		{Test: "missing at", Input: "invalid", WantErr: true},
		{Test: "display name", Input: "Bob <bob@example.com>", WantErr: true},
		{Test: "newline", Input: "user@example.com\r\nBcc: x@y.z", WantErr: true},
		{Test: "empty", Input: "", WantErr: true},
		{Test: "too long", Input: strings.Repeat("a", 250) + "@example.com", WantErr: true},
	} {
		tc := tc
		t.Run(tc.Test, func(t *testing.T) {
			t.Parallel()
			assert := require.New(t)

			got, err := ParseAddress(tc.Input)
			if tc.WantErr {
				assert.True(errors.Is(err, ErrInvalidAddress), "got %v", err)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.Want, got)
		})
	}
}

func TestDomain(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		Test    string
		Input   string
		Want    string
		WantErr bool
	}{
		{Test: "basic", Input: "user@example.com", Want: "example.com"},
		{Test: "trailing dot removed", Input: "user@example.com.", Want: "example.com"},
		{Test: "lowercased", Input: "USER@EXAMPLE.COM", Want: "example.com"},
		{Test: "missing at", Input: "userexample.com", WantErr: true},
		{Test: "empty domain", Input: "user@", WantErr: true},
		{Test: "whitespace", Input: "user@exa mple.com", WantErr: true},
	} {
		tc := tc
		t.Run(tc.Test, func(t *testing.T) {
			t.Parallel()
			assert := require.New(t)

			got, err := Domain(tc.Input)
			if tc.WantErr {
				assert.True(errors.Is(err, ErrInvalidAddress))
				return
			}
			assert.NoError(err)
			assert.Equal(tc.Want, got)
		})
	}
}

func TestCompose(t *testing.T) {
	t.Parallel()
	assert := require.New(t)

	date := time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	raw, err := Compose(Draft{
		ID:      "0b6f4c0e-5b1e-4a8e-9a57-8f2d1a4c9e10",
		From:    "bob@example.com",
		To:      "terry@example.net",
		Subject: "Héllo there",
		Body:    "Where is my money!\nSecond line.",
		Date:    date,
	}, "relay.example.com")
	assert.NoError(err)
	assert.True(bytes.Contains(raw, []byte("\r\n\r\n")), "header/body separator must be CRLF")

	m, err := netmail.ReadMessage(bytes.NewReader(raw))
	assert.NoError(err)

	dec := new(mime.WordDecoder)
	subject, err := dec.DecodeHeader(m.Header.Get("Subject"))
	assert.NoError(err)
	assert.Equal("Héllo there", subject)

	from, err := m.Header.AddressList("From")
	assert.NoError(err)
	assert.Len(from, 1)
	assert.Equal("bob@example.com", from[0].Address)
	to, err := m.Header.AddressList("To")
	assert.NoError(err)
	assert.Len(to, 1)
	assert.Equal("terry@example.net", to[0].Address)

	assert.Equal("<0b6f4c0e-5b1e-4a8e-9a57-8f2d1a4c9e10@relay.example.com>", m.Header.Get("Message-Id"))
	got, err := m.Header.Date()
	assert.NoError(err)
	assert.True(date.Equal(got))

	mediatype, params, err := mime.ParseMediaType(m.Header.Get("Content-Type"))
	assert.NoError(err)
	assert.Equal("text/plain", mediatype)
	assert.Equal("utf-8", params["charset"])

	body, err := io.ReadAll(m.Body)
	assert.NoError(err)
	assert.Contains(string(body), "Where is my money!")
	assert.Contains(string(body), "Second line.")
}

func TestComposeInvalidAddress(t *testing.T) {
	t.Parallel()
	assert := require.New(t)

	_, err := Compose(Draft{From: "not an address", To: "terry@example.net"}, "relay.example.com")
	assert.True(errors.Is(err, ErrInvalidAddress))
	_, err = Compose(Draft{From: "bob@example.com", To: "@@"}, "relay.example.com")
	assert.True(errors.Is(err, ErrInvalidAddress))
}
