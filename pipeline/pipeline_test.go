package pipeline

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"mailpipe/delivery"
	"mailpipe/internal/message"
	"mailpipe/internal/metrics"
	"mailpipe/queue"
	"mailpipe/storage"
)

type scheduled struct {
	Task  queue.Task
	Delay time.Duration
}

type fakeScheduler struct {
	mu    sync.Mutex
	tasks []scheduled
	err   error
	// failCleanups rejects that many cleanup tasks before accepting them.
	failCleanups int
}

func (s *fakeScheduler) Schedule(ctx context.Context, task queue.Task, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if task.Kind == queue.KindCleanup && s.failCleanups > 0 {
		s.failCleanups--
		return errors.New("queue unavailable")
	}
	s.tasks = append(s.tasks, scheduled{Task: task, Delay: delay})
	return nil
}

func (s *fakeScheduler) pop() (scheduled, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.tasks) == 0 {
		return scheduled{}, false
	}
	t := s.tasks[0]
	s.tasks = s.tasks[1:]
	return t, true
}

func (s *fakeScheduler) pending() []scheduled {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]scheduled(nil), s.tasks...)
}

type fakeResolver struct {
	hosts map[string][]string
}

func (r fakeResolver) Resolve(ctx context.Context, domain string, attempt int) (string, bool) {
	return delivery.SelectHost(r.hosts[domain], attempt)
}

type fakeSender struct {
	mu       sync.Mutex
	hosts    []string
	payloads [][]byte
	outcome  func(host string, n int) delivery.Outcome
}

func (s *fakeSender) Deliver(ctx context.Context, host, from, to string, data []byte) delivery.Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hosts = append(s.hosts, host)
	s.payloads = append(s.payloads, data)
	return s.outcome(host, len(s.hosts))
}

func always(code int, msg string) func(string, int) delivery.Outcome {
	return func(string, int) delivery.Outcome {
		return delivery.Outcome{Code: code, Message: msg}
	}
}

type fixture struct {
	store  *storage.Memory
	sched  *fakeScheduler
	sender *fakeSender
	p      *Pipeline
}

var testNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, hosts map[string][]string, outcome func(string, int) delivery.Outcome, mod func(*Options)) *fixture {
	t.Helper()
	metrics.ResetForTests()
	f := &fixture{
		store:  storage.NewMemory(),
		sched:  &fakeScheduler{},
		sender: &fakeSender{outcome: outcome},
	}
	opts := Options{
		MaxRetries: 3,
		RetryWait:  5 * time.Second,
		DeleteWait: time.Hour,
		Boundary:   message.BoundaryExact,
		Hostname:   "mailpipe.test",
		Now:        func() time.Time { return testNow },
	}
	if mod != nil {
		mod(&opts)
	}
	f.p = New(f.store, f.sched, fakeResolver{hosts: hosts}, f.sender, zerolog.Nop(), opts)
	return f
}

func (f *fixture) create(t *testing.T, id, to string) {
	t.Helper()
	m := message.New(id, "bob@example.com", to, "Hey", "Where is my money!", testNow)
	require.NoError(t, f.store.Put(context.Background(), m))
	require.NoError(t, f.p.Submit(context.Background(), id))
}

// runRounds executes queued round tasks until none remain, leaving cleanup
// tasks queued.
func (f *fixture) runRounds(t *testing.T) []scheduled {
	t.Helper()
	var seen []scheduled
	for i := 0; i < 20; i++ {
		next, ok := f.sched.pop()
		if !ok {
			return seen
		}
		seen = append(seen, next)
		if next.Task.Kind != queue.KindRound {
			f.sched.mu.Lock()
			f.sched.tasks = append([]scheduled{next}, f.sched.tasks...)
			f.sched.mu.Unlock()
			return seen
		}
		require.NoError(t, f.p.Handle(context.Background(), next.Task))
	}
	t.Fatalf("chain did not settle")
	return nil
}

func (f *fixture) get(t *testing.T, id string) *message.Message {
	t.Helper()
	m, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return m
}

var mxDomain = map[string][]string{"example.net": {"mx1", "mx2"}}

func TestScenarioSentFirstRound(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.create(t, "a", "terry@example.net")

	f.runRounds(t)

	m := f.get(t, "a")
	assert.Equal(message.StatusSent, m.Status)
	assert.Equal(1, m.Attempts)
	assert.Equal(250, *m.StatusCode)
	assert.True(testNow.Equal(*m.LastAttempt))
	assert.Equal([]string{"mx1"}, f.sender.hosts)
	assert.Equal([]scheduled{{Task: queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, Delay: time.Hour}}, f.sched.pending())
	assert.Equal(1.0, testutil.ToFloat64(metrics.MessagesTerminal.WithLabelValues("SENT")))
	assert.Equal(1.0, testutil.ToFloat64(metrics.MessagesSubmitted.WithLabelValues()))
	assert.Contains(string(f.sender.payloads[0]), "Where is my money!")
}

func TestScenarioSuccessCodes(t *testing.T) {
	for _, code := range []int{250, 251, 252} {
		code := code
		t.Run(strconv.Itoa(code), func(t *testing.T) {
			assert := require.New(t)
			f := newFixture(t, mxDomain, func(host string, n int) delivery.Outcome {
				if n < 3 {
					return delivery.Outcome{Code: 421, Message: "try later"}
				}
				return delivery.Outcome{Code: code, Message: "accepted"}
			}, nil)
			f.create(t, "a", "terry@example.net")
			f.runRounds(t)

			m := f.get(t, "a")
			assert.Equal(message.StatusSent, m.Status)
			assert.Equal(3, m.Attempts)
			assert.Equal(code, *m.StatusCode)
		})
	}
}

func TestScenarioRetriesThenFails(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, mxDomain, always(450, "mailbox busy"), nil)
	f.create(t, "a", "terry@example.net")

	seen := f.runRounds(t)

	m := f.get(t, "a")
	assert.Equal(message.StatusFailed, m.Status)
	assert.Equal(3, m.Attempts)
	assert.Equal(450, *m.StatusCode)
	assert.Equal([]string{"mx1", "mx2", "mx1"}, f.sender.hosts)

	// Submit has no delay, retries wait RETRY_WAIT.
	assert.Equal(time.Duration(0), seen[0].Delay)
	assert.Equal(5*time.Second, seen[1].Delay)
	assert.Equal(5*time.Second, seen[2].Delay)

	assert.Equal([]scheduled{{Task: queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, Delay: time.Hour}}, f.sched.pending())
	assert.Equal(3.0, testutil.ToFloat64(metrics.DeliveryAttempts.WithLabelValues(metrics.ResultRejected)))
	assert.Equal(1.0, testutil.ToFloat64(metrics.MessagesTerminal.WithLabelValues("FAILED")))

	// FAILED never changes again.
	err := f.p.Round(context.Background(), "a")
	assert.True(errors.Is(err, ErrTerminal))
	assert.Equal(message.StatusFailed, f.get(t, "a").Status)
	assert.Len(f.sender.hosts, 3)
}

func TestScenarioNoMXTransportFailure(t *testing.T) {
	assert := require.New(t)
	// The bare domain stands in for the host when the resolver falls back.
	f := newFixture(t, map[string][]string{"nomx.example": {"nomx.example"}},
		always(delivery.CodeTransportFailure, "dial tcp: connection refused"), nil)
	f.create(t, "a", "terry@nomx.example")

	f.runRounds(t)

	m := f.get(t, "a")
	assert.Equal(message.StatusFailed, m.Status)
	assert.Equal(3, m.Attempts)
	assert.Equal(-1, *m.StatusCode)
	assert.Equal([]string{"nomx.example", "nomx.example", "nomx.example"}, f.sender.hosts)
	assert.Equal(3.0, testutil.ToFloat64(metrics.DeliveryAttempts.WithLabelValues(metrics.ResultTransport)))
}

func TestUnresolvableHostSkipsTransport(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, map[string][]string{}, always(250, "OK"), func(o *Options) {
		o.MaxRetries = 2
	})
	f.create(t, "a", "terry@nowhere.example")

	f.runRounds(t)

	m := f.get(t, "a")
	assert.Equal(message.StatusFailed, m.Status)
	assert.Equal(2, m.Attempts)
	assert.Equal(-1, *m.StatusCode)
	assert.Empty(f.sender.hosts)
}

func TestScenarioDeletedBetweenRounds(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(450, "mailbox busy"), nil)
	f.create(t, "a", "terry@example.net")

	first, ok := f.sched.pop()
	assert.True(ok)
	assert.NoError(f.p.Handle(ctx, first.Task))
	assert.Equal(message.StatusSending, f.get(t, "a").Status)

	assert.NoError(f.p.Cancel(ctx, "a"))
	m := f.get(t, "a")
	assert.Equal(message.StatusDeleted, m.Status)
	assert.True(testNow.Equal(*m.DeletedAt))

	// Pending: round 2 (RETRY_WAIT) and the cleanup from Cancel (DELETE_WAIT).
	pending := f.sched.pending()
	assert.Len(pending, 2)
	assert.Equal(queue.Task{Kind: queue.KindRound, MessageID: "a"}, pending[0].Task)
	assert.Equal(queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, pending[1].Task)
	assert.Equal(time.Hour, pending[1].Delay)

	second, _ := f.sched.pop()
	err := f.p.Round(ctx, second.Task.MessageID)
	assert.True(errors.Is(err, ErrMessageDeleted))
	assert.NoError(f.p.Handle(ctx, second.Task))

	m = f.get(t, "a")
	assert.Equal(1, m.Attempts)
	assert.Equal(message.StatusDeleted, m.Status)
	assert.Equal([]string{"mx1"}, f.sender.hosts)
	// The cleanup from Cancel and one queued again by each stopped round.
	pending = f.sched.pending()
	assert.Len(pending, 3)
	for _, next := range pending {
		assert.Equal(queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, next.Task)
	}
}

func TestDeletedDuringAttemptStaysDeleted(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	var f *fixture
	f = newFixture(t, mxDomain, func(host string, n int) delivery.Outcome {
		m, err := f.store.Get(ctx, "a")
		if err == nil {
			_ = m.Cancel(testNow)
			_ = f.store.Put(ctx, m)
		}
		return delivery.Outcome{Code: 250, Message: "OK"}
	}, nil)
	f.create(t, "a", "terry@example.net")

	task, _ := f.sched.pop()
	err := f.p.Round(ctx, task.Task.MessageID)
	assert.True(errors.Is(err, ErrMessageDeleted))

	m := f.get(t, "a")
	assert.Equal(message.StatusDeleted, m.Status)
	assert.Nil(m.StatusCode)
	assert.Empty(f.sched.pending())
}

func TestCancelFinishedMessage(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.create(t, "a", "terry@example.net")
	f.runRounds(t)

	err := f.p.Cancel(ctx, "a")
	assert.True(errors.Is(err, ErrTerminal))
	assert.Equal(message.StatusSent, f.get(t, "a").Status)

	err = f.p.Cancel(ctx, "missing")
	assert.True(errors.Is(err, storage.ErrNotFound))
}

func TestCleanupIdempotent(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.create(t, "a", "terry@example.net")
	f.runRounds(t)

	cleanup, ok := f.sched.pop()
	assert.True(ok)
	assert.Equal(queue.KindCleanup, cleanup.Task.Kind)

	assert.NoError(f.p.Handle(ctx, cleanup.Task))
	assert.NoError(f.p.Handle(ctx, cleanup.Task))
	assert.NoError(f.p.Cleanup(ctx, "never-existed"))

	_, err := f.store.Get(ctx, "a")
	assert.True(errors.Is(err, storage.ErrNotFound))
	assert.Equal(3.0, testutil.ToFloat64(metrics.Cleanups.WithLabelValues()))
}

func TestMalformedRecipientFails(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.create(t, "a", "no-domain")

	task, _ := f.sched.pop()
	assert.NoError(f.p.Handle(ctx, task.Task))

	m := f.get(t, "a")
	assert.Equal(message.StatusFailed, m.Status)
	assert.Empty(f.sender.hosts)
	assert.Equal([]scheduled{{Task: queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, Delay: time.Hour}}, f.sched.pending())
}

func TestRoundMissingMessage(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, mxDomain, always(250, "OK"), nil)

	err := f.p.Round(context.Background(), "missing")
	assert.True(errors.Is(err, storage.ErrNotFound))
	assert.True(Permanent(err))
	assert.NoError(f.p.Handle(context.Background(), queue.Task{Kind: queue.KindRound, MessageID: "missing"}))
	assert.Empty(f.sched.pending())
}

func TestSpentBudgetFailsWithoutAttempt(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)

	m := message.New("a", "bob@example.com", "terry@example.net", "", "", testNow)
	m.Attempts = 3
	assert.NoError(f.store.Put(ctx, m))

	err := f.p.Round(ctx, "a")
	assert.True(errors.Is(err, ErrTerminal))
	got := f.get(t, "a")
	assert.Equal(message.StatusFailed, got.Status)
	assert.Equal(3, got.Attempts)
	assert.Empty(f.sender.hosts)
	assert.Len(f.sched.pending(), 1)
}

func TestAtLeastBoundary(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, mxDomain, always(554, "rejected"), func(o *Options) {
		o.Boundary = message.BoundaryAtLeast
		o.MaxRetries = 1
	})
	f.create(t, "a", "terry@example.net")
	f.runRounds(t)

	m := f.get(t, "a")
	assert.Equal(message.StatusFailed, m.Status)
	assert.Equal(1, m.Attempts)
}

func TestRelayHostBypassesResolver(t *testing.T) {
	assert := require.New(t)
	f := newFixture(t, mxDomain, always(250, "OK"), func(o *Options) {
		o.RelayHost = "relay.internal"
	})
	f.create(t, "a", "terry@example.net")
	f.runRounds(t)

	assert.Equal([]string{"relay.internal"}, f.sender.hosts)
}

type recordingArchive struct {
	saved   map[string][]byte
	removed []string
}

func (a *recordingArchive) Save(id string, data []byte) error {
	a.saved[id] = data
	return nil
}

func (a *recordingArchive) Remove(id string) error {
	a.removed = append(a.removed, id)
	return nil
}

type failingSigner struct{}

func (failingSigner) Sign(message []byte, from string) ([]byte, error) {
	return nil, errors.New("no key")
}

func TestArchiveAndSigner(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	archive := &recordingArchive{saved: map[string][]byte{}}
	f := newFixture(t, mxDomain, always(250, "OK"), func(o *Options) {
		o.Archive = archive
		o.Signer = failingSigner{}
	})
	f.create(t, "a", "terry@example.net")
	f.runRounds(t)

	assert.Equal(f.sender.payloads[0], archive.saved["a"])
	assert.Contains(string(archive.saved["a"]), "Message-Id: <a@mailpipe.test>")

	cleanup, _ := f.sched.pop()
	assert.NoError(f.p.Handle(ctx, cleanup.Task))
	assert.Equal([]string{"a"}, archive.removed)
}

type flakyStore struct {
	*storage.Memory
	failGets int
}

func (s *flakyStore) Get(ctx context.Context, id string) (*message.Message, error) {
	if s.failGets > 0 {
		s.failGets--
		return nil, errors.New("connection reset")
	}
	return s.Memory.Get(ctx, id)
}

func TestTransientErrorRequeues(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	metrics.ResetForTests()

	store := &flakyStore{Memory: storage.NewMemory(), failGets: 1}
	sched := &fakeScheduler{}
	p := New(store, sched, fakeResolver{hosts: mxDomain}, &fakeSender{outcome: always(250, "OK")}, zerolog.Nop(), Options{
		MaxRetries: 3,
		RetryWait:  7 * time.Second,
		DeleteWait: time.Hour,
	})
	assert.NoError(store.Put(ctx, message.New("a", "bob@example.com", "terry@example.net", "", "", testNow)))

	task := queue.Task{Kind: queue.KindRound, MessageID: "a"}
	assert.NoError(p.Handle(ctx, task))
	assert.Equal([]scheduled{{Task: task, Delay: 7 * time.Second}}, sched.pending())

	sched.err = errors.New("queue down")
	store.failGets = 1
	assert.Error(p.Handle(ctx, task))
}

func TestLostCleanupIsQueuedAgain(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.sched.failCleanups = 1
	f.create(t, "a", "terry@example.net")

	// The round stores SENT, fails to queue cleanup and is requeued.
	first, _ := f.sched.pop()
	assert.NoError(f.p.Handle(ctx, first.Task))
	assert.Equal(message.StatusSent, f.get(t, "a").Status)
	assert.Equal([]scheduled{{Task: first.Task, Delay: 5 * time.Second}}, f.sched.pending())

	second, _ := f.sched.pop()
	assert.NoError(f.p.Handle(ctx, second.Task))
	assert.Equal([]scheduled{{Task: queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, Delay: time.Hour}}, f.sched.pending())
	assert.Len(f.sender.hosts, 1)
	assert.Equal(1, f.get(t, "a").Attempts)

	cleanup, _ := f.sched.pop()
	assert.NoError(f.p.Handle(ctx, cleanup.Task))
	_, err := f.store.Get(ctx, "a")
	assert.True(errors.Is(err, storage.ErrNotFound))
}

func TestCancelQueuesLostCleanup(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	f := newFixture(t, mxDomain, always(250, "OK"), nil)
	f.create(t, "a", "terry@example.net")
	_, _ = f.sched.pop()
	f.sched.failCleanups = 1

	assert.Error(f.p.Cancel(ctx, "a"))
	assert.Equal(message.StatusDeleted, f.get(t, "a").Status)
	assert.Empty(f.sched.pending())

	err := f.p.Cancel(ctx, "a")
	assert.True(errors.Is(err, ErrTerminal))
	assert.Equal([]scheduled{{Task: queue.Task{Kind: queue.KindCleanup, MessageID: "a"}, Delay: time.Hour}}, f.sched.pending())
}

// vanishingStore deletes the record right after handing out a copy, as a
// cleanup on another worker would.
type vanishingStore struct {
	*storage.Memory
}

func (s vanishingStore) Get(ctx context.Context, id string) (*message.Message, error) {
	m, err := s.Memory.Get(ctx, id)
	if err == nil {
		_ = s.Memory.Delete(ctx, id)
	}
	return m, err
}

func TestRoundDoesNotRecreateCleanedRecord(t *testing.T) {
	assert := require.New(t)
	ctx := context.Background()
	metrics.ResetForTests()

	mem := storage.NewMemory()
	sched := &fakeScheduler{}
	sender := &fakeSender{outcome: always(250, "OK")}
	p := New(vanishingStore{Memory: mem}, sched, fakeResolver{hosts: mxDomain}, sender, zerolog.Nop(), Options{
		MaxRetries: 3,
		RetryWait:  time.Second,
		DeleteWait: time.Hour,
	})
	assert.NoError(mem.Put(ctx, message.New("a", "bob@example.com", "terry@example.net", "", "", testNow)))

	err := p.Round(ctx, "a")
	assert.True(errors.Is(err, storage.ErrNotFound), "got %v", err)
	assert.NoError(p.Handle(ctx, queue.Task{Kind: queue.KindRound, MessageID: "a"}))

	_, err = mem.Get(ctx, "a")
	assert.True(errors.Is(err, storage.ErrNotFound))
	assert.Empty(sender.hosts)
	assert.Empty(sched.pending())
}
