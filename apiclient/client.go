package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"xorkevin.dev/kerrors"

	"mailpipe/internal/message"
)

// Client errors
var (
	// ErrClient is returned for 4xx responses other than 409 and for requests
	// that could not be sent
	ErrClient errClient
	// ErrServer is returned for 5xx responses
	ErrServer errServer
	// ErrAlreadyFinished is returned when deleting a message that was already sent or failed
	ErrAlreadyFinished errAlreadyFinished
	// ErrInvalidResponse is returned when a response body cannot be decoded
	ErrInvalidResponse errInvalidResponse
)

type (
	errClient          struct{}
	errServer          struct{}
	errAlreadyFinished struct{}
	errInvalidResponse struct{}
)

func (e errClient) Error() string {
	return "Client error"
}

func (e errServer) Error() string {
	return "Server error"
}

func (e errAlreadyFinished) Error() string {
	return "Message already sent or failed"
}

func (e errInvalidResponse) Error() string {
	return "Invalid server response"
}

type errorRes struct {
	Message string `json:"message"`
}

// Client talks to the mailpipe REST API.
type Client struct {
	base  string
	httpc *http.Client
}

// New creates a Client for base, e.g. http://localhost:8080.
func New(base string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		base:  strings.TrimSuffix(base, "/") + "/v1",
		httpc: &http.Client{Timeout: timeout},
	}
}

// SendEmail creates a message and returns the stored record.
func (c *Client) SendEmail(ctx context.Context, from, to, subject, body string) (*message.Message, error) {
	b, err := json.Marshal(map[string]string{
		"from_addr": from,
		"to_addr":   to,
		"subject":   subject,
		"body":      body,
	})
	if err != nil {
		return nil, kerrors.WithKind(err, ErrClient, "Failed to encode body to json")
	}
	m := &message.Message{}
	if err := c.do(ctx, http.MethodPost, "/email", bytes.NewReader(b), m); err != nil {
		return nil, err
	}
	return m, nil
}

// GetEmail returns the record for id.
func (c *Client) GetEmail(ctx context.Context, id string) (*message.Message, error) {
	m := &message.Message{}
	if err := c.do(ctx, http.MethodGet, "/email/"+url.PathEscape(id), nil, m); err != nil {
		return nil, err
	}
	return m, nil
}

// DeleteEmail cancels delivery of id. It fails with ErrAlreadyFinished when
// the message was already sent or failed.
func (c *Client) DeleteEmail(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/email/"+url.PathEscape(id), nil, nil)
}

// ListEmails returns a page of message ids.
func (c *Client) ListEmails(ctx context.Context, limit, offset int) ([]string, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	var ids []string
	if err := c.do(ctx, http.MethodGet, "/email?"+q.Encode(), nil, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, response interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return kerrors.WithKind(err, ErrClient, "Malformed request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	res, err := c.httpc.Do(req)
	if err != nil {
		return kerrors.WithKind(err, ErrClient, "Failed request")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, res.Body)
		_ = res.Body.Close()
	}()

	if err := checkStatus(res); err != nil {
		return err
	}
	if response == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(response); err != nil {
		return kerrors.WithKind(err, ErrInvalidResponse, "Failed decoding response")
	}
	return nil
}

func checkStatus(res *http.Response) error {
	if res.StatusCode < http.StatusBadRequest {
		return nil
	}
	var errres errorRes
	_ = json.NewDecoder(res.Body).Decode(&errres)
	msg := fmt.Sprintf("Status %d", res.StatusCode)
	if errres.Message != "" {
		msg += ": " + errres.Message
	}
	switch {
	case res.StatusCode >= http.StatusInternalServerError:
		return kerrors.WithKind(nil, ErrServer, msg)
	case res.StatusCode == http.StatusConflict:
		return kerrors.WithKind(nil, ErrAlreadyFinished, msg)
	default:
		return kerrors.WithKind(nil, ErrClient, msg)
	}
}
