package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"bulkbot/internal/delay"
	"bulkbot/internal/dispatch"
	"bulkbot/internal/eventbus"
	"bulkbot/internal/job"
	"bulkbot/internal/storage"
	"bulkbot/internal/transport"
	logx "bulkbot/pkg/logx"
)

type memStore struct {
	mu       sync.Mutex
	jobs     []job.Job
	saves    int
	failNext int
}

func (m *memStore) Load(context.Context) ([]job.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]job.Job, len(m.jobs))
	for i, j := range m.jobs {
		out[i] = j.Clone()
	}
	return out, nil
}

func (m *memStore) Save(_ context.Context, jobs []job.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("disk full")
	}
	m.saves++
	m.jobs = make([]job.Job, len(jobs))
	for i, j := range jobs {
		m.jobs[i] = j.Clone()
	}
	return nil
}

func (m *memStore) Close() error { return nil }

type stubDispatcher struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *stubDispatcher) Send(_ context.Context, phone string, _ job.ContentRef, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, phone)
	return s.err
}

type fixture struct {
	store  *memStore
	reg    *Registry
	bus    eventbus.Bus
	svc    *Service
	runner *Runner
}

func newFixture(t *testing.T, disp Dispatcher) *fixture {
	t.Helper()
	f := &fixture{store: &memStore{}, bus: eventbus.New()}
	f.reg = NewRegistry(f.store, logx.Nop())
	if err := f.reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	f.runner = NewRunner(f.reg, f.bus, disp, nil, delay.New(0, 0, nil), RunnerConfig{}, logx.Nop())
	f.svc = NewService(f.reg, f.bus, nil, logx.Nop())
	return f
}

// collect reads events until a finished event (or timeout).
func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, e)
			if e.Type == EventFinished {
				return out
			}
		case <-timeout:
			t.Fatalf("timed out; got %+v", out)
		}
	}
}

func types(evs []Event) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = e.Type
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestSubmitRejectsEmptyItems(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{}); !errors.Is(err, ErrNoItems) {
		t.Fatalf("Submit() = %v, want ErrNoItems", err)
	}
	if _, err := f.svc.Get("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() = %v, want ErrNotFound", err)
	}
}

func TestSingleItemEventSequence(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	all, unsub := f.bus.Subscribe("", 64)
	defer unsub()

	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "919999999999", Message: "hi"}}})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.Status != job.StatusQueued || res.PollURL != "/job/"+res.JobID || res.EventTopic != "job:"+res.JobID {
		t.Fatalf("unexpected submit result %+v", res)
	}
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	var evs []Event
	for len(all) > 0 {
		e := <-all
		evs = append(evs, e.Data.(Event))
	}
	want := []string{EventQueued, EventStarted, EventItem, EventDelay, EventFinished}
	if !equal(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if evs[1].Total != 1 {
		t.Fatalf("started total = %d", evs[1].Total)
	}
	if evs[2].Status != job.ResultSent || evs[2].Index == nil || *evs[2].Index != 0 {
		t.Fatalf("item event = %+v", evs[2])
	}
	fin := evs[4].Results
	if len(fin) != 1 || fin[0] != (job.ItemResult{Phone: "919999999999", Status: job.ResultSent, Index: 0}) {
		t.Fatalf("finished results = %+v", fin)
	}

	j, _ := f.svc.Get(res.JobID)
	if j.Status != job.StatusFinished || j.StartedAt == nil || j.FinishedAt == nil {
		t.Fatalf("job = %+v", j)
	}
}

func TestFailedAfterRetries(t *testing.T) {
	ch := &flakyChannel{}
	disp := dispatch.New(ch, dispatch.Config{Retries: 2, RetryBase: time.Millisecond}, logx.Nop())
	f := newFixture(t, disp)

	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "919999999999", Message: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	events, stop := f.svc.Watch(res.JobID, 32)
	defer stop()
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatalf("Sweep: %v", err)
	}

	evs := collect(t, events)
	var item *Event
	for i := range evs {
		if evs[i].Type == EventItem {
			item = &evs[i]
		}
	}
	if item == nil || item.Status != job.ResultFailed || item.Error == "" {
		t.Fatalf("item event = %+v", item)
	}
	if ch.attempts != 3 {
		t.Fatalf("attempts = %d, want 3", ch.attempts)
	}
}

func TestInvalidPhoneSkipsDelay(t *testing.T) {
	disp := &stubDispatcher{}
	f := newFixture(t, disp)
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{
		{Phone: "abc", Message: "x"},
		{Phone: "+62 811-1", Message: "y"},
	}})
	if err != nil {
		t.Fatal(err)
	}
	events, stop := f.svc.Watch(res.JobID, 32)
	defer stop()
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	got := types(collect(t, events))
	want := []string{EventSync, EventStarted, EventItem, EventItem, EventDelay, EventFinished}
	if !equal(got, want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	j, _ := f.svc.Get(res.JobID)
	if j.Results[0].Status != job.ResultError || j.Results[1].Status != job.ResultSent || j.Results[1].Phone != "628111" {
		t.Fatalf("results = %+v", j.Results)
	}
	if len(disp.calls) != 1 {
		t.Fatalf("dispatcher called %d times, want 1", len(disp.calls))
	}
}

func TestJobsRunSerially(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	f.runner.SetDelay(delay.New(5*time.Millisecond, 5*time.Millisecond, nil))
	all, unsub := f.bus.Subscribe("", 256)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.svc = NewService(f.reg, f.bus, f.runner.Trigger, logx.Nop())
	go func() { _ = f.runner.Run(ctx) }()

	items := []job.Item{{Phone: "1"}, {Phone: "2"}, {Phone: "3"}}
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := f.svc.Submit(ctx, SubmitRequest{Items: items}); err != nil {
				t.Errorf("Submit: %v", err)
			}
		}()
	}
	wg.Wait()

	var seq []Event
	finished := 0
	timeout := time.After(5 * time.Second)
	for finished < 2 {
		select {
		case e := <-all:
			ev := e.Data.(Event)
			if ev.Type == EventStarted || ev.Type == EventFinished {
				seq = append(seq, ev)
			}
			if ev.Type == EventFinished {
				finished++
			}
		case <-timeout:
			t.Fatalf("timed out; seq=%+v", seq)
		}
	}
	if len(seq) != 4 {
		t.Fatalf("seq = %+v", seq)
	}
	if seq[0].Type != EventStarted || seq[1].Type != EventFinished || seq[1].JobID != seq[0].JobID ||
		seq[2].Type != EventStarted || seq[3].Type != EventFinished || seq[3].JobID != seq[2].JobID {
		t.Fatalf("jobs overlapped: %v", seq)
	}

	for _, j := range f.svc.List() {
		if len(j.Results) != len(j.Items) {
			t.Fatalf("job %s: %d results for %d items", j.ID, len(j.Results), len(j.Items))
		}
		for i, r := range j.Results {
			if r.Index != i {
				t.Fatalf("job %s: result %d has index %d", j.ID, i, r.Index)
			}
		}
	}
}

func TestLateSubscriberGetsFinishedSync(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "1"}, {Phone: "2"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}

	events, stop := f.svc.Watch(res.JobID, 4)
	defer stop()
	select {
	case e := <-events:
		if e.Type != EventSync || e.Job == nil || e.Job.Status != job.StatusFinished || len(e.Job.Results) != 2 {
			t.Fatalf("sync = %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("no sync event")
	}
}

func TestPersistenceFailureAbortsAndRetries(t *testing.T) {
	disp := &stubDispatcher{}
	f := newFixture(t, disp)
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "1"}, {Phone: "2"}}})
	if err != nil {
		t.Fatal(err)
	}

	// queued->running succeeds, first result save fails.
	f.store.mu.Lock()
	saves := f.store.saves
	f.store.mu.Unlock()
	f.reg.store = &failAfter{memStore: f.store, okSaves: 1}

	if err := f.runner.Sweep(context.Background()); err == nil {
		t.Fatal("expected sweep error")
	}
	j, _ := f.svc.Get(res.JobID)
	if j.Status != job.StatusRunning || len(j.Results) != 0 {
		t.Fatalf("in-memory state diverged: %+v", j)
	}
	if f.runner.State() != "idle" {
		t.Fatalf("slot = %s after abort", f.runner.State())
	}

	f.reg.store = f.store
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatalf("retry sweep: %v", err)
	}
	j, _ = f.svc.Get(res.JobID)
	if j.Status != job.StatusFinished || len(j.Results) != 2 {
		t.Fatalf("job = %+v", j)
	}
	if f.store.saves <= saves {
		t.Fatal("store never written")
	}
}

func TestResumeRunningJobFromResults(t *testing.T) {
	started := time.Now().UTC()
	store := &memStore{jobs: []job.Job{{
		ID:        "j1",
		Status:    job.StatusRunning,
		Items:     []job.Item{{Phone: "1"}, {Phone: "2"}, {Phone: "3"}},
		Results:   []job.ItemResult{{Phone: "1", Status: job.ResultSent, Index: 0}},
		StartedAt: &started,
	}, {
		ID:      "j2",
		Status:  job.StatusQueued,
		Items:   []job.Item{{Phone: "4"}},
		Results: []job.ItemResult{},
	}}}
	reg := NewRegistry(store, logx.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	disp := &stubDispatcher{}
	r := NewRunner(reg, eventbus.New(), disp, nil, delay.New(0, 0, nil), RunnerConfig{}, logx.Nop())
	if err := r.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !equal(disp.calls, []string{"2", "3", "4"}) {
		t.Fatalf("calls = %v", disp.calls)
	}
	j, _ := reg.Get("j1")
	if !j.StartedAt.Equal(started) || len(j.Results) != 3 {
		t.Fatalf("resumed job = %+v", j)
	}
}

func TestCorruptRecordIsQuarantined(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	reg := NewRegistry(st, logx.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected empty registry")
	}
	matches, _ := filepath.Glob(path + ".corrupt-*")
	if len(matches) != 1 {
		t.Fatalf("quarantined files = %v", matches)
	}
}

func TestUnreadableRecordStartsEmpty(t *testing.T) {
	// A directory where the record file should be cannot be read.
	path := filepath.Join(t.TempDir(), "jobs.json")
	if err := os.Mkdir(path, 0o755); err != nil {
		t.Fatal(err)
	}
	st, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	reg := NewRegistry(st, logx.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected empty registry")
	}
	if err := reg.Insert(context.Background(), job.Job{ID: "j1", Status: job.StatusQueued, Items: []job.Item{{Phone: "1"}}}); err != nil {
		t.Fatalf("Insert after recovery: %v", err)
	}
}

type brokenStore struct{ memStore }

func (b *brokenStore) Load(context.Context) ([]job.Job, error) {
	return nil, errors.New("disk on fire")
}

func (b *brokenStore) Quarantine() (string, error) {
	return "", errors.New("read-only filesystem")
}

func TestFailedQuarantineStillStartsEmpty(t *testing.T) {
	reg := NewRegistry(&brokenStore{}, logx.Nop())
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected empty registry")
	}
}

func TestLoadReportsClosedStore(t *testing.T) {
	st, err := storage.Open(storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "jobs.json")}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	_ = st.Close()
	if err := NewRegistry(st, logx.Nop()).Load(context.Background()); !errors.Is(err, storage.ErrClosed) {
		t.Fatalf("Load err = %v, want ErrClosed", err)
	}
}

func TestCorruptSQLiteRowDoesNotLoseLaterJobs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.db")
	cfg := storage.Config{Driver: "sqlite", Path: path}
	ctx := context.Background()

	st, err := storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	old := job.Job{ID: "old", Status: job.StatusQueued, Items: []job.Item{{Phone: "1"}}, Results: []job.ItemResult{}}
	if err := st.Save(ctx, []job.Job{old}); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Exec(`UPDATE jobs SET body = '{not json' WHERE id = 'old'`); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	reg := NewRegistry(st, logx.Nop())
	if err := reg.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(reg.List()) != 0 {
		t.Fatal("expected empty registry after corrupt row")
	}
	if err := reg.Insert(ctx, job.Job{ID: "new", Status: job.StatusQueued, Items: []job.Item{{Phone: "2"}}}); err != nil {
		t.Fatal(err)
	}
	_ = st.Close()

	st, err = storage.Open(cfg, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	reg = NewRegistry(st, logx.Nop())
	if err := reg.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok := reg.Get("new"); !ok || len(reg.List()) != 1 {
		t.Fatalf("jobs after restart = %v", reg.List())
	}

	db, err = sql.Open("sqlite", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var kept int
	if err := db.QueryRow(`SELECT COUNT(*) FROM jobs_corrupt WHERE id = 'old'`).Scan(&kept); err != nil {
		t.Fatal(err)
	}
	if kept != 1 {
		t.Fatalf("corrupt rows kept = %d, want 1", kept)
	}
}

func TestZeroDelayEventCarriesMS(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "1"}}})
	if err != nil {
		t.Fatal(err)
	}
	events, stop := f.bus.Subscribe(Topic(res.JobID), 16)
	defer stop()
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	for len(events) > 0 {
		e := (<-events).Data.(Event)
		if e.Type != EventDelay {
			continue
		}
		b, err := json.Marshal(e)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.Contains(string(b), `"ms":0`) {
			t.Fatalf("delay event = %s", b)
		}
		return
	}
	t.Fatal("no delay event")
}

type funcDispatcher func(phone string) error

func (f funcDispatcher) Send(_ context.Context, phone string, _ job.ContentRef, _ string) error {
	return f(phone)
}

func TestCurrentTracksJobInSlot(t *testing.T) {
	var f *fixture
	var seen string
	f = newFixture(t, funcDispatcher(func(string) error {
		seen = f.runner.Current()
		return nil
	}))
	res, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "1"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if seen != res.JobID {
		t.Fatalf("Current() during send = %q, want %q", seen, res.JobID)
	}
	if got := f.runner.Current(); got != "" {
		t.Fatalf("Current() after sweep = %q", got)
	}
}

func TestSweepIsExclusive(t *testing.T) {
	f := newFixture(t, &stubDispatcher{})
	f.runner.slot.Store(slotRunning)
	if _, err := f.svc.Submit(context.Background(), SubmitRequest{Items: []job.Item{{Phone: "1"}}}); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if j := f.svc.List()[0]; j.Status != job.StatusQueued {
		t.Fatalf("second sweep ran while slot busy: %s", j.Status)
	}
}

// failAfter lets okSaves writes through and then fails every save.
type failAfter struct {
	*memStore
	okSaves int
}

func (f *failAfter) Save(ctx context.Context, jobs []job.Job) error {
	if f.okSaves <= 0 {
		return errors.New("disk full")
	}
	f.okSaves--
	return f.memStore.Save(ctx, jobs)
}

type flakyChannel struct {
	mu       sync.Mutex
	attempts int
}

func (c *flakyChannel) Start(context.Context) error { return nil }
func (c *flakyChannel) Stop(context.Context) error  { return nil }
func (c *flakyChannel) Ready() bool                 { return true }
func (c *flakyChannel) Info() transport.Info        { return transport.Info{} }
func (c *flakyChannel) SendText(context.Context, string, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return errors.New("socket closed")
}
func (c *flakyChannel) SendMedia(context.Context, string, transport.Media, string) error {
	return c.SendText(context.Background(), "", "")
}
