package apiclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mailpipe/api"
	"mailpipe/internal/message"
	"mailpipe/pipeline"
	"mailpipe/queue"
	"mailpipe/storage"
)

func newTestServer(t *testing.T) (*Client, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	q := queue.NewManager(zerolog.Nop(), 1, time.Second)
	p := pipeline.New(store, q, nil, nil, zerolog.Nop(), pipeline.Options{MaxRetries: 3, DeleteWait: time.Hour})
	e := api.NewServer(api.NewService(store, p), zerolog.Nop(), api.Options{Registerer: prometheus.NewRegistry()})
	srv := httptest.NewServer(e)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", 5*time.Second), store
}

func TestClientRoundTrip(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c, store := newTestServer(t)

	m, err := c.SendEmail(ctx, "bob@example.com", "terry@example.com", "Hey dude!", "Where is my money!")
	assert.NoError(err)
	assert.NotEmpty(m.ID)
	assert.Equal(message.StatusSending, m.Status)
	assert.Equal(0, m.Attempts)
	assert.Nil(m.StatusCode)

	got, err := c.GetEmail(ctx, m.ID)
	assert.NoError(err)
	assert.Equal(m.ID, got.ID)
	assert.Equal("Where is my money!", got.Body)

	ids, err := c.ListEmails(ctx, 1000, 0)
	assert.NoError(err)
	assert.Equal([]string{m.ID}, ids)

	assert.NoError(c.DeleteEmail(ctx, m.ID))
	stored, err := store.Get(ctx, m.ID)
	assert.NoError(err)
	assert.Equal(message.StatusDeleted, stored.Status)

	err = c.DeleteEmail(ctx, m.ID)
	assert.True(errors.Is(err, ErrAlreadyFinished), "got %v", err)
}

func TestClientErrors(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	c, _ := newTestServer(t)

	_, err := c.GetEmail(ctx, "missing")
	assert.True(errors.Is(err, ErrClient))

	_, err = c.SendEmail(ctx, "not-an-address", "terry@example.com", "", "")
	assert.True(errors.Is(err, ErrClient))

	_, err = c.ListEmails(ctx, -1, 0)
	assert.True(errors.Is(err, ErrClient))
}

func TestClientStatusMapping(t *testing.T) {
	for _, tc := range []struct {
		Test   string
		Status int
		Want   error
	}{
		{Test: "server", Status: http.StatusBadGateway, Want: ErrServer},
		{Test: "conflict", Status: http.StatusConflict, Want: ErrAlreadyFinished},
		{Test: "client", Status: http.StatusForbidden, Want: ErrClient},
	} {
		tc := tc
		t.Run(tc.Test, func(t *testing.T) {
			assert := require.New(t)
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tc.Status)
				_, _ = w.Write([]byte(`{"message":"nope"}`))
			}))
			defer srv.Close()

			err := New(srv.URL, time.Second).DeleteEmail(context.Background(), "x")
			assert.True(errors.Is(err, tc.Want), "got %v", err)
			assert.Contains(err.Error(), "nope")
		})
	}
}

func TestClientInvalidResponse(t *testing.T) {
	assert := require.New(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, time.Second).GetEmail(context.Background(), "x")
	assert.True(errors.Is(err, ErrInvalidResponse))

	_, err = New("http://127.0.0.1:1", time.Second).GetEmail(context.Background(), "x")
	assert.True(errors.Is(err, ErrClient))
}
