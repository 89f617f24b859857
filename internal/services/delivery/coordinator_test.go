package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/inboxd/inboxd/internal/domain/feed"
	"github.com/inboxd/inboxd/internal/domain/item"
	"github.com/inboxd/inboxd/internal/services/delivery"
)

var (
	testScope = item.Scope{UserID: 7, Channel: item.ChannelNotification}
	baseTime  = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

func fromAdmin(id int64, at time.Time) item.Item {
	return item.Item{
		ID:        id,
		UserID:    testScope.UserID,
		Channel:   testScope.Channel,
		Origin:    item.OriginAdmin,
		Category:  "system",
		Payload:   "payload",
		CreatedAt: at,
	}
}

type fakeStream struct {
	mu     sync.Mutex
	h      feed.Handler
	sh     feed.StatusHandler
	subs   int
	unsubs int
}

type fakeSubHandle struct{ f *fakeStream }

func (s fakeSubHandle) Unsubscribe() {
	s.f.mu.Lock()
	s.f.unsubs++
	s.f.mu.Unlock()
}

func (f *fakeStream) Subscribe(_ context.Context, _ item.Scope, h feed.Handler, sh feed.StatusHandler) (feed.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.h, f.sh = h, sh
	f.subs++
	return fakeSubHandle{f}, nil
}

func (f *fakeStream) emit(t *testing.T, it item.Item) {
	t.Helper()
	row, err := json.Marshal(it)
	require.NoError(t, err)
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	require.NotNil(t, h)
	h(context.Background(), feed.Event{Type: feed.EventInsert, Row: row})
}

func (f *fakeStream) inject(ev feed.Event) {
	f.mu.Lock()
	h := f.h
	f.mu.Unlock()
	h(context.Background(), ev)
}

func (f *fakeStream) report(st feed.Status) {
	f.mu.Lock()
	sh := f.sh
	f.mu.Unlock()
	sh(st)
}

type fakeReader struct {
	mu    sync.Mutex
	items []item.Item
	err   error
	gate  chan struct{}
	calls int
}

func (r *fakeReader) ListByUser(_ context.Context, _ item.Scope, _ int) ([]*item.Item, error) {
	r.mu.Lock()
	r.calls++
	gate := r.gate
	err := r.err
	items := make([]*item.Item, 0, len(r.items))
	for i := range r.items {
		cp := r.items[i]
		items = append(items, &cp)
	}
	r.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *fakeReader) set(items ...item.Item) {
	r.mu.Lock()
	r.items = items
	r.err = nil
	r.mu.Unlock()
}

func (r *fakeReader) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type fakeAcks struct {
	mu      sync.Mutex
	batches [][]int64
	gate    chan struct{}
}

func (a *fakeAcks) MarkRead(_ context.Context, ids []int64) error {
	a.mu.Lock()
	gate := a.gate
	a.mu.Unlock()
	if gate != nil {
		<-gate
	}
	a.mu.Lock()
	a.batches = append(a.batches, append([]int64(nil), ids...))
	a.mu.Unlock()
	return nil
}

func (a *fakeAcks) confirmed() [][]int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]int64, len(a.batches))
	copy(out, a.batches)
	return out
}

type fakeSender struct {
	mu       sync.Mutex
	nextID   int64
	failures int
	calls    int
}

func (s *fakeSender) Send(_ context.Context, it *item.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return errors.New("record store hiccup")
	}
	s.nextID++
	it.ID = s.nextID + 1000
	it.CreatedAt = baseTime.Add(time.Duration(s.nextID) * time.Minute)
	return nil
}

func (s *fakeSender) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// snapRecorder keeps every snapshot an observer saw and verifies the unread
// accounting invariant on each one.
type snapRecorder struct {
	t     *testing.T
	mu    sync.Mutex
	snaps []delivery.Snapshot
}

func (r *snapRecorder) observe(s delivery.Snapshot) {
	n := 0
	for _, it := range s.Items {
		if it.Origin != item.OriginUser && !it.IsRead {
			n++
		}
	}
	if n != s.Unread {
		r.t.Errorf("unread invariant broken: got %d want %d", s.Unread, n)
	}

	r.mu.Lock()
	r.snaps = append(r.snaps, s)
	r.mu.Unlock()
}

func (r *snapRecorder) last() (delivery.Snapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.snaps) == 0 {
		return delivery.Snapshot{}, false
	}
	return r.snaps[len(r.snaps)-1], true
}

func (r *snapRecorder) wait(pred func(delivery.Snapshot) bool) delivery.Snapshot {
	r.t.Helper()
	var found delivery.Snapshot
	require.Eventually(r.t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		for _, s := range r.snaps {
			if pred(s) {
				found = s
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	return found
}

type coordFixture struct {
	coord  *delivery.Coordinator
	stream *fakeStream
	reader *fakeReader
	acks   *fakeAcks
	sender *fakeSender
	rec    *snapRecorder
}

func newFixture(t *testing.T) *coordFixture {
	t.Helper()
	f := &coordFixture{
		stream: &fakeStream{},
		reader: &fakeReader{},
		acks:   &fakeAcks{},
		sender: &fakeSender{},
		rec:    &snapRecorder{t: t},
	}
	f.coord = delivery.NewCoordinator(delivery.CoordinatorConfig{
		Scope:  testScope,
		Reader: f.reader,
		Sender: f.sender,
		Acks:   f.acks,
		Stream: f.stream,
	})
	return f
}

func (f *coordFixture) start(t *testing.T) {
	t.Helper()
	require.NoError(t, f.coord.Start(context.Background()))
	f.coord.Attach(f.rec.observe)
	t.Cleanup(f.coord.Close)
}

func TestSubscribeBulkLoadThenMarkRead(t *testing.T) {
	f := newFixture(t)
	f.reader.set(fromAdmin(1, baseTime))
	f.acks.gate = make(chan struct{}) // hold the ack in flight

	f.start(t)

	snap := f.rec.wait(func(s delivery.Snapshot) bool {
		return s.State == delivery.StateLive && len(s.Items) == 1
	})
	require.Equal(t, 1, snap.Unread)
	require.False(t, snap.Items[0].IsRead)

	// optimistic flip lands before the acknowledgement completes
	f.coord.MarkRead(1)
	snap = f.rec.wait(func(s delivery.Snapshot) bool {
		return len(s.Items) == 1 && s.Items[0].IsRead
	})
	require.Equal(t, 0, snap.Unread)
	require.Empty(t, f.acks.confirmed())

	close(f.acks.gate)
	require.Eventually(t, func() bool { return len(f.acks.confirmed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]int64{{1}}, f.acks.confirmed())
}

func TestMarkReadCoalesces(t *testing.T) {
	f := newFixture(t)
	f.reader.set(fromAdmin(1, baseTime))
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 1 })

	f.coord.MarkRead(1)
	f.coord.MarkRead(1)
	f.coord.MarkRead(1)

	require.Eventually(t, func() bool { return len(f.acks.confirmed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, f.acks.confirmed(), 1, "repeat mark-read must not re-acknowledge")
}

func TestLiveEventsApplyWhileLoading(t *testing.T) {
	f := newFixture(t)
	f.reader.gate = make(chan struct{})
	f.reader.set(fromAdmin(1, baseTime))
	f.start(t)

	// bulk fetch is stuck; a live event must not wait for it
	f.stream.emit(t, fromAdmin(2, baseTime.Add(time.Second)))
	snap := f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 1 })
	require.Equal(t, delivery.StateLoading, snap.State)

	close(f.reader.gate)
	snap = f.rec.wait(func(s delivery.Snapshot) bool {
		return s.State == delivery.StateLive && len(s.Items) == 2
	})
	require.Equal(t, []int64{1, 2}, []int64{snap.Items[0].ID, snap.Items[1].ID})
}

func TestDuplicateAndOutOfOrderDelivery(t *testing.T) {
	e1 := fromAdmin(1, baseTime)
	e2 := fromAdmin(2, baseTime.Add(time.Second))

	run := func(order []item.Item) delivery.Snapshot {
		f := newFixture(t)
		f.start(t)
		f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })
		for _, ev := range order {
			f.stream.emit(t, ev)
		}
		f.stream.emit(t, order[len(order)-1]) // duplicate the last event
		return f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 2 })
	}

	forward := run([]item.Item{e1, e2})
	backward := run([]item.Item{e2, e1})

	require.Equal(t, forward.Items, backward.Items)
	require.Equal(t, forward.Unread, backward.Unread)
	require.Equal(t, 2, forward.Unread)
}

func TestMarkAllReadIsPointInTime(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })

	f.stream.emit(t, fromAdmin(1, baseTime))
	f.stream.emit(t, fromAdmin(2, baseTime.Add(time.Second)))
	f.rec.wait(func(s delivery.Snapshot) bool { return s.Unread == 2 })

	f.coord.MarkAllRead()
	f.rec.wait(func(s delivery.Snapshot) bool { return s.Unread == 0 })

	// c arrives after the point-in-time snapshot and must stay unread
	f.stream.emit(t, fromAdmin(3, baseTime.Add(2*time.Second)))
	snap := f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 3 })
	require.Equal(t, 1, snap.Unread)
	require.False(t, snap.Items[2].IsRead)

	require.Eventually(t, func() bool { return len(f.acks.confirmed()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, [][]int64{{1, 2}}, f.acks.confirmed(), "one batched confirmation for the snapshotted set")
}

func TestReconnectGapClosure(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })
	require.Equal(t, 1, f.reader.callCount())

	// item d is created server-side while the feed is down
	f.stream.report(feed.StatusReconnecting)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateReconnecting })
	f.reader.set(fromAdmin(4, baseTime))

	f.stream.report(feed.StatusLive)
	snap := f.rec.wait(func(s delivery.Snapshot) bool {
		return s.State == delivery.StateLive && len(s.Items) == 1
	})
	require.Equal(t, int64(4), snap.Items[0].ID)
	require.Equal(t, 2, f.reader.callCount(), "reconnect must re-run the bulk fetch")
}

func TestBulkLoadFailureKeepsFeedAlive(t *testing.T) {
	f := newFixture(t)
	f.reader.err = errors.New("record store down")
	f.start(t)

	snap := f.rec.wait(func(s delivery.Snapshot) bool { return s.LoadFailed })
	require.Equal(t, delivery.StateLive, snap.State, "live updates continue after a failed load")

	// live events still land
	f.stream.emit(t, fromAdmin(1, baseTime))
	f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 1 })

	// history heals on the next reconnect cycle
	f.reader.set(fromAdmin(1, baseTime), fromAdmin(2, baseTime.Add(time.Second)))
	f.stream.report(feed.StatusReconnecting)
	f.stream.report(feed.StatusLive)
	f.rec.wait(func(s delivery.Snapshot) bool {
		return !s.LoadFailed && len(s.Items) == 2
	})
}

func TestCloseDiscardsLateBulkLoad(t *testing.T) {
	f := newFixture(t)
	f.reader.gate = make(chan struct{})
	f.reader.set(fromAdmin(1, baseTime))
	f.start(t)

	f.coord.Close()
	require.Equal(t, 1, f.stream.unsubs)
	close(f.reader.gate) // fetch completes after teardown

	time.Sleep(50 * time.Millisecond)
	snap := f.coord.Snapshot()
	require.Equal(t, delivery.StateIdle, snap.State)
	require.Empty(t, snap.Items, "results of a fetch completing after unsubscribe are discarded")

	// a straggler event for the old subscription is dropped too
	f.stream.emit(t, fromAdmin(9, baseTime))
	require.Empty(t, f.coord.Snapshot().Items)

	f.coord.Close() // idempotent
	require.Equal(t, 1, f.stream.unsubs)
}

func TestSendEchoesLocally(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })

	sent, err := f.coord.Send(context.Background(), "message", "hi there")
	require.NoError(t, err)
	require.NotZero(t, sent.ID)

	snap := f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 1 })
	require.Equal(t, item.OriginUser, snap.Items[0].Origin)
	require.Equal(t, "hi there", snap.Items[0].Payload)
	require.Equal(t, 0, snap.Unread, "own messages are never unread")
}

func TestSendRetriesTransientFailure(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 2
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })

	sent, err := f.coord.Send(context.Background(), "message", "eventually through")
	require.NoError(t, err)
	require.NotZero(t, sent.ID)
	require.Equal(t, 3, f.sender.callCount(), "two hiccups then success")

	snap := f.rec.wait(func(s delivery.Snapshot) bool { return len(s.Items) == 1 })
	require.Equal(t, "eventually through", snap.Items[0].Payload)
}

func TestSendFailureSurfacedAfterRetries(t *testing.T) {
	f := newFixture(t)
	f.sender.failures = 1000 // more than any policy attempts
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })

	_, err := f.coord.Send(context.Background(), "message", "never lands")
	require.Error(t, err)
	require.Greater(t, f.sender.callCount(), 1, "failure is retried before surfacing")
	require.Empty(t, f.coord.Snapshot().Items, "a failed send must not echo locally")
}

func TestObserversSettleOnLatestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.rec.wait(func(s delivery.Snapshot) bool { return s.State == delivery.StateLive })

	const n = 20
	events := make([]feed.Event, 0, n)
	for i := 1; i <= n; i++ {
		row, err := json.Marshal(fromAdmin(int64(i), baseTime.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		events = append(events, feed.Event{Type: feed.EventInsert, Row: row})
	}

	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev feed.Event) {
			defer wg.Done()
			f.stream.inject(ev)
		}(ev)
	}
	wg.Wait()

	// whatever order deliveries raced in, the final word matches the log
	require.Eventually(t, func() bool {
		last, ok := f.rec.last()
		return ok && len(last.Items) == n
	}, 2*time.Second, 5*time.Millisecond)
	last, _ := f.rec.last()
	require.Equal(t, f.coord.Snapshot(), last)
}

// tearingStream closes the coordinator between the feed subscribe call
// returning and the coordinator recording the handle.
type tearingStream struct {
	*fakeStream
	teardown func()
}

func (s *tearingStream) Subscribe(ctx context.Context, sc item.Scope, h feed.Handler, sh feed.StatusHandler) (feed.Subscription, error) {
	sub, err := s.fakeStream.Subscribe(ctx, sc, h, sh)
	s.teardown()
	return sub, err
}

func TestCloseDuringStartDetachesFeed(t *testing.T) {
	fs := &fakeStream{}
	var coord *delivery.Coordinator
	coord = delivery.NewCoordinator(delivery.CoordinatorConfig{
		Scope:  testScope,
		Reader: &fakeReader{},
		Sender: &fakeSender{},
		Acks:   &fakeAcks{},
		Stream: &tearingStream{fakeStream: fs, teardown: func() { coord.Close() }},
	})

	require.NoError(t, coord.Start(context.Background()))
	require.Equal(t, 1, fs.unsubs, "a subscription created for a closed scope must be released")
	require.Equal(t, delivery.StateIdle, coord.Snapshot().State)
}
