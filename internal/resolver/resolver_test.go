package resolver

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wabridge/internal/domain"
	"wabridge/internal/message"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

const inlineJPEG = "data:image/jpeg;base64,/9j/"

// mockStore replays a scripted sequence of views; the last one repeats.
type mockStore struct {
	mu          sync.Mutex
	views       []*domain.MediaView
	getCalls    int
	getErr      error
	download    []byte
	downloadErr error
	downloads   int
	fetches     int
	loads       int
	focused     []string
	// afterBackfill replaces the scripted view once LoadEarlier was called.
	afterBackfill *domain.MediaView
}

func (m *mockStore) GetMessage(ctx context.Context, id string) (*domain.MediaView, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.getErr != nil {
		return nil, m.getErr
	}
	if m.loads > 0 && m.afterBackfill != nil {
		return m.afterBackfill, nil
	}
	if len(m.views) == 0 {
		return nil, nil
	}
	v := m.views[0]
	if len(m.views) > 1 {
		m.views = m.views[1:]
	}
	return v, nil
}

func (m *mockStore) DownloadMedia(ctx context.Context, view domain.MediaView) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloads++
	return m.download, m.downloadErr
}

func (m *mockStore) TriggerFetch(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetches++
	return nil
}

func (m *mockStore) LoadEarlier(ctx context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	return nil
}

func (m *mockStore) FocusChat(ctx context.Context, chatID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.focused = append(m.focused, chatID)
	return nil
}

type recorder struct {
	mu        sync.Mutex
	events    []Event
	delivered []domain.Message
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) deliver(ctx context.Context, msg domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered = append(r.delivered, msg)
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.events))
	for i, e := range r.events {
		out[i] = e.State
	}
	return out
}

func newTestResolver(store *mockStore, rec *recorder) *Resolver {
	return New(Config{
		Store:    store,
		Deliver:  rec.deliver,
		Logger:   testLogger(),
		Observer: rec.observe,
	})
}

func imageRaw() message.RawMessage {
	return message.RawMessage{
		ID:       "img-1",
		Chat:     message.RawChat{ID: "chat@g.us"},
		Type:     domain.KindImage,
		MimeType: "image/jpeg",
		Body:     "thumbnail",
		Caption:  "!tag cat",
	}
}

func quotedRaw(kind domain.Kind) message.RawMessage {
	return message.RawMessage{
		ID:     "reply-1",
		Chat:   message.RawChat{ID: "chat@g.us"},
		Type:   domain.KindChat,
		Body:   "!meme",
		Quoted: &message.RawQuoted{ID: "quoted-1", Type: kind, MimeType: "image/webp", SenderID: "bob@c.us"},
	}
}

func TestTick_InlineResolvesOnFirstTick(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{{Stage: domain.StageResolved, Inline: inlineJPEG}}}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(imageRaw(), message.TargetSelf)

	if got := r.tick(context.Background(), tk); got != StateDone {
		t.Fatalf("expected done, got %s", got)
	}
	if len(rec.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.delivered))
	}
	msg := rec.delivered[0]
	if msg.Body != inlineJPEG {
		t.Errorf("body not spliced: %q", msg.Body)
	}
	if msg.Text != "!tag cat" {
		t.Errorf("expected normalized caption, got %q", msg.Text)
	}
	if tk.remaining != defaultSelfAttempts-1 {
		t.Errorf("expected %d attempts left, got %d", defaultSelfAttempts-1, tk.remaining)
	}
}

func TestTick_RemoteDownloadsAndSplices(t *testing.T) {
	store := &mockStore{
		views:    []*domain.MediaView{{Type: domain.KindSticker, MimeType: "image/webp", URL: "https://mmg/x", MediaKey: "key"}},
		download: []byte("RIFF"),
	}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(quotedRaw(domain.KindSticker), message.TargetQuoted)

	if got := r.tick(context.Background(), tk); got != StateDone {
		t.Fatalf("expected done, got %s", got)
	}
	if store.downloads != 1 {
		t.Errorf("expected one download, got %d", store.downloads)
	}
	q := rec.delivered[0].Quoted
	if q == nil || q.Body != "data:image/webp;base64,UklGRg==" {
		t.Errorf("quoted body not spliced: %+v", q)
	}
}

func TestTick_DownloadFailureKeepsPolling(t *testing.T) {
	store := &mockStore{
		views:       []*domain.MediaView{{MimeType: "image/jpeg", URL: "u", MediaKey: "k"}},
		downloadErr: errors.New("decrypt failed"),
	}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(imageRaw(), message.TargetSelf)

	if got := r.tick(context.Background(), tk); got != StatePolling {
		t.Fatalf("expected polling, got %s", got)
	}
	if len(rec.delivered) != 0 {
		t.Error("nothing should be delivered")
	}
}

func TestTick_NeedPokeExtendsBudget(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{{Stage: domain.StageNeedPoke}}}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(quotedRaw(domain.KindImage), message.TargetQuoted)

	before := tk.remaining
	if got := r.tick(context.Background(), tk); got != StatePolling {
		t.Fatalf("expected polling, got %s", got)
	}
	if tk.remaining != before-1+defaultFetchExtension {
		t.Errorf("expected budget %d, got %d", before-1+defaultFetchExtension, tk.remaining)
	}
	if store.fetches != 1 {
		t.Errorf("expected exactly one fetch trigger, got %d", store.fetches)
	}
}

func TestTick_SelfMissingAbandons(t *testing.T) {
	store := &mockStore{}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(imageRaw(), message.TargetSelf)

	if got := r.tick(context.Background(), tk); got != StateAbandoned {
		t.Fatalf("expected abandoned, got %s", got)
	}
	if store.loads != 0 {
		t.Error("own-message resolution must not backfill")
	}
}

func TestTick_QuotedMissingBackfillsOnce(t *testing.T) {
	store := &mockStore{}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(quotedRaw(domain.KindImage), message.TargetQuoted)

	for i := 0; i < 3; i++ {
		if got := r.tick(context.Background(), tk); got != StatePolling {
			t.Fatalf("tick %d: expected polling, got %s", i, got)
		}
	}
	if store.loads != defaultBackfillPages {
		t.Errorf("expected %d earlier-message loads, got %d", defaultBackfillPages, store.loads)
	}
	if tk.remaining != defaultQuotedAttempts-3 {
		t.Errorf("expected %d attempts left, got %d", defaultQuotedAttempts-3, tk.remaining)
	}
}

func TestTick_QuotedFoundAfterBackfill(t *testing.T) {
	store := &mockStore{
		afterBackfill: &domain.MediaView{MimeType: "image/jpeg", URL: "u", MediaKey: "k"},
		download:      []byte{0xff, 0xd8},
	}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(quotedRaw(domain.KindImage), message.TargetQuoted)

	if got := r.tick(context.Background(), tk); got != StateDone {
		t.Fatalf("expected done, got %s", got)
	}
	if store.getCalls != 2 {
		t.Errorf("expected a re-check after backfill, got %d reads", store.getCalls)
	}
}

func TestTick_StoreErrorIsTransient(t *testing.T) {
	store := &mockStore{getErr: errors.New("page crashed")}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(imageRaw(), message.TargetSelf)

	if got := r.tick(context.Background(), tk); got != StatePolling {
		t.Fatalf("expected polling, got %s", got)
	}
}

func TestTick_BudgetStrictlyDecreases(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{
		{Stage: "UPLOADING"},
		{Stage: domain.StageNeedPoke},
		{Stage: "FETCHING"},
	}}
	rec := &recorder{}
	r := newTestResolver(store, rec)
	tk := r.newTask(quotedRaw(domain.KindVideo), message.TargetQuoted)

	for {
		if r.tick(context.Background(), tk).Terminal() {
			break
		}
	}

	prev := defaultQuotedAttempts + 1
	for _, e := range rec.events {
		switch e.State {
		case StatePolling:
			if e.Remaining >= prev {
				t.Fatalf("budget did not decrease: %d -> %d", prev, e.Remaining)
			}
			prev = e.Remaining
		case StateNeedFetch:
			prev = e.Remaining + 1
		}
	}
	states := rec.states()
	if states[len(states)-1] != StateExhausted {
		t.Errorf("expected exhaustion, got %s", states[len(states)-1])
	}
	polls := 0
	for _, s := range states {
		if s == StatePolling {
			polls++
		}
	}
	if polls != defaultQuotedAttempts+defaultFetchExtension {
		t.Errorf("expected %d polls, got %d", defaultQuotedAttempts+defaultFetchExtension, polls)
	}
	if len(rec.delivered) != 0 {
		t.Error("exhausted task must not deliver")
	}
}

// manualTicker is fed by the test; sends block until the task reads them.
type manualTicker struct {
	ch      chan time.Time
	stopped atomic.Int32
}

func (m *manualTicker) C() <-chan time.Time { return m.ch }
func (m *manualTicker) Stop()               { m.stopped.Add(1) }

func waitDone(t *testing.T, r *Resolver) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		r.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("resolver did not finish")
	}
}

func TestResolve_ExhaustsAndStopsTicker(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{{Stage: "UPLOADING"}}}
	rec := &recorder{}
	ticker := &manualTicker{ch: make(chan time.Time)}
	r := New(Config{
		Store:        store,
		Deliver:      rec.deliver,
		Logger:       testLogger(),
		Observer:     rec.observe,
		SelfAttempts: 2,
		NewTicker:    func(time.Duration) Ticker { return ticker },
	})

	if !r.Resolve(context.Background(), imageRaw(), message.TargetSelf) {
		t.Fatal("expected task to start")
	}
	for i := 0; i < 3; i++ {
		ticker.ch <- time.Now()
	}
	waitDone(t, r)

	if n := ticker.stopped.Load(); n != 1 {
		t.Errorf("expected ticker stopped once, got %d", n)
	}
	if store.getCalls != 2 {
		t.Errorf("expected 2 store reads, got %d", store.getCalls)
	}
	if len(rec.delivered) != 0 {
		t.Error("nothing should be delivered")
	}
	if r.Pending() != 0 {
		t.Errorf("expected no pending tasks, got %d", r.Pending())
	}
	if len(store.focused) != 1 || store.focused[0] != "chat@g.us" {
		t.Errorf("expected chat focused once, got %v", store.focused)
	}

	select {
	case ticker.ch <- time.Now():
		t.Fatal("tick consumed after exhaustion")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestResolve_DeliversAndForgets(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{{Stage: domain.StageResolved, Inline: inlineJPEG}}}
	rec := &recorder{}
	ticker := &manualTicker{ch: make(chan time.Time)}
	r := New(Config{
		Store:     store,
		Deliver:   rec.deliver,
		Logger:    testLogger(),
		NewTicker: func(time.Duration) Ticker { return ticker },
	})

	r.Resolve(context.Background(), imageRaw(), message.TargetSelf)
	ticker.ch <- time.Now()
	waitDone(t, r)

	if len(rec.delivered) != 1 {
		t.Fatalf("expected one delivery, got %d", len(rec.delivered))
	}
	if ticker.stopped.Load() != 1 {
		t.Error("ticker should be stopped after delivery")
	}
}

func TestResolve_DuplicateIgnored(t *testing.T) {
	store := &mockStore{}
	ticker := &manualTicker{ch: make(chan time.Time)}
	r := New(Config{
		Store:     store,
		Logger:    testLogger(),
		NewTicker: func(time.Duration) Ticker { return ticker },
	})
	ctx, cancel := context.WithCancel(context.Background())

	if !r.Resolve(ctx, imageRaw(), message.TargetSelf) {
		t.Fatal("first registration should start a task")
	}
	if r.Resolve(ctx, imageRaw(), message.TargetSelf) {
		t.Error("second registration for the same message should be ignored")
	}
	if r.Pending() != 1 {
		t.Errorf("expected 1 pending task, got %d", r.Pending())
	}

	cancel()
	waitDone(t, r)
	if r.Pending() != 0 {
		t.Error("canceled task should be forgotten")
	}
}

func TestResolve_NoTarget(t *testing.T) {
	r := New(Config{Store: &mockStore{}, Logger: testLogger()})
	if r.Resolve(context.Background(), imageRaw(), message.TargetNone) {
		t.Error("TargetNone must not start a task")
	}
	raw := quotedRaw(domain.KindImage)
	raw.Quoted = nil
	if r.Resolve(context.Background(), raw, message.TargetQuoted) {
		t.Error("quoted mode without a quote must not start a task")
	}
}

// slowStore reports a view that never stages and takes longer than the
// polling interval to answer, tracking how many reads run at once.
type slowStore struct {
	mockStore
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (s *slowStore) GetMessage(ctx context.Context, id string) (*domain.MediaView, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		seen := s.maxSeen.Load()
		if n <= seen || s.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	time.Sleep(s.delay)
	return &domain.MediaView{Stage: "UPLOADING"}, nil
}

func TestResolve_SlowTicksNeverOverlap(t *testing.T) {
	store := &slowStore{delay: 30 * time.Millisecond}
	rec := &recorder{}
	r := New(Config{
		Store:        store,
		Logger:       testLogger(),
		Observer:     rec.observe,
		SelfInterval: 2 * time.Millisecond,
		SelfAttempts: 5,
	})

	if !r.Resolve(context.Background(), imageRaw(), message.TargetSelf) {
		t.Fatal("expected task to start")
	}
	waitDone(t, r)

	if n := store.maxSeen.Load(); n != 1 {
		t.Errorf("expected at most 1 concurrent tick, saw %d", n)
	}
	states := rec.states()
	if states[len(states)-1] != StateExhausted {
		t.Errorf("expected exhaustion, got %v", states)
	}
	polls := 0
	for _, s := range states {
		if s == StatePolling {
			polls++
		}
	}
	if polls != 5 {
		t.Errorf("expected 5 polling ticks, got %d", polls)
	}
}

func TestResolve_TwoRepliesQuotingSameMedia(t *testing.T) {
	store := &mockStore{views: []*domain.MediaView{{Stage: domain.StageResolved, Inline: "data:image/webp;base64,UklGRg=="}}}
	rec := &recorder{}
	tickers := make(chan *manualTicker, 2)
	r := New(Config{
		Store:    store,
		Deliver:  rec.deliver,
		Logger:   testLogger(),
		Observer: rec.observe,
		NewTicker: func(time.Duration) Ticker {
			tk := &manualTicker{ch: make(chan time.Time)}
			tickers <- tk
			return tk
		},
	})

	first := quotedRaw(domain.KindSticker)
	second := quotedRaw(domain.KindSticker)
	second.ID = "reply-2"
	if !r.Resolve(context.Background(), first, message.TargetQuoted) ||
		!r.Resolve(context.Background(), second, message.TargetQuoted) {
		t.Fatal("both replies should start a task")
	}
	for i := 0; i < 2; i++ {
		(<-tickers).ch <- time.Now()
	}
	waitDone(t, r)

	if len(rec.delivered) != 2 {
		t.Fatalf("expected both replies delivered, got %d", len(rec.delivered))
	}
}

func TestResolve_CancelEmitsTerminalOnce(t *testing.T) {
	rec := &recorder{}
	ticker := &manualTicker{ch: make(chan time.Time)}
	r := New(Config{
		Store:     &mockStore{},
		Logger:    testLogger(),
		Observer:  rec.observe,
		NewTicker: func(time.Duration) Ticker { return ticker },
	})
	ctx, cancel := context.WithCancel(context.Background())

	r.Resolve(ctx, imageRaw(), message.TargetSelf)
	cancel()
	waitDone(t, r)

	states := rec.states()
	terminal := 0
	for _, s := range states {
		if s.Terminal() {
			terminal++
		}
	}
	if terminal != 1 || states[len(states)-1] != StateCanceled {
		t.Errorf("expected a single canceled terminal state, got %v", states)
	}
}
