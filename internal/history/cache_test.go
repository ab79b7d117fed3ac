package history

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/markus-barta/busdash/internal/backend"
	"github.com/markus-barta/busdash/internal/nodecache"
	"github.com/markus-barta/busdash/internal/protocol"
	"github.com/markus-barta/busdash/internal/store"
	"github.com/rs/zerolog"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct{ ms atomic.Int64 }

func newClock() *clock {
	c := &clock{}
	c.ms.Store(t0.UnixMilli())
	return c
}

func (c *clock) now() time.Time          { return time.UnixMilli(c.ms.Load()) }
func (c *clock) advance(d time.Duration) { c.ms.Add(d.Milliseconds()) }

type liveValues map[string]protocol.Value

func (l liveValues) Get(id string) (*protocol.NodeSnapshot, bool) {
	v, ok := l[id]
	if !ok {
		return nil, false
	}
	return &protocol.NodeSnapshot{ID: id, Value: v}, true
}

type failingStore struct{ *store.Memory }

func (failingStore) Set(string, []byte) error { return errors.New("quota exceeded") }

func newCache(t *testing.T, mock *backend.MockClient, live LiveSource) (*Cache, *clock, *store.Memory) {
	t.Helper()
	clk := newClock()
	s := store.NewMemory()
	return New(mock, s, live, zerolog.Nop(), WithClock(clk.now)), clk, s
}

func TestComputeStep(t *testing.T) {
	tests := []struct {
		name     string
		periodMs int64
		width    int
		want     int
	}{
		{name: "15 minutes not downsampled", periodMs: 900000, width: 800, want: 1},
		{name: "one hour not downsampled", periodMs: 3600000, width: 800, want: 1},
		{name: "two hours hit the floor", periodMs: 7200000, width: 800, want: 60},
		{name: "one day", periodMs: 86400000, width: 800, want: 108},
		{name: "one week narrow", periodMs: 604800000, width: 400, want: 1512},
		{name: "zero width uses default", periodMs: 86400000, width: 0, want: 108},
		{name: "rounds up", periodMs: 86400000, width: 1000, want: 87},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeStep(tt.periodMs, tt.width); got != tt.want {
				t.Errorf("ComputeStep(%d, %d) = %d, want %d", tt.periodMs, tt.width, got, tt.want)
			}
		})
	}
}

func TestComputeStep_MonotonicInPeriod(t *testing.T) {
	if ComputeStep(3600000, 800) > ComputeStep(86400000, 800) {
		t.Fatal("step for 1h exceeds step for 24h")
	}

	prev := 0
	for p := int64(60000); p <= 30*86400000; p += 1800000 {
		step := ComputeStep(p, 800)
		if step < prev {
			t.Fatalf("ComputeStep(%d) = %d < %d", p, step, prev)
		}
		prev = step
	}
}

func TestPeriod_DefaultPersistAndContextIsolation(t *testing.T) {
	c, _, s := newCache(t, backend.NewMockClient(), nil)

	if got := c.GetPeriod("x", ContextWidget); got != DefaultPeriodMs {
		t.Errorf("default period = %d", got)
	}

	if err := c.SetPeriod("x", ContextModal, 86400000); err != nil {
		t.Fatalf("SetPeriod() error = %v", err)
	}
	if got := c.GetPeriod("x", ContextModal); got != 86400000 {
		t.Errorf("modal period = %d", got)
	}
	if got := c.GetPeriod("x", ContextWidget); got != DefaultPeriodMs {
		t.Errorf("widget period changed to %d", got)
	}

	raw, err := s.Get("x_modal")
	if err != nil || string(raw) != `{"period":86400000}` {
		t.Errorf("persisted blob = %s, %v", raw, err)
	}

	// a fresh cache over the same store sees the selection
	c2 := New(backend.NewMockClient(), s, nil, zerolog.Nop())
	if got := c2.GetPeriod("x", ContextModal); got != 86400000 {
		t.Errorf("reloaded period = %d", got)
	}

	if err := c.SetPeriod("x", ContextWidget, 0); err == nil {
		t.Error("non-positive period accepted")
	}
}

func TestSetPeriod_PersistenceFailureKeptInMemory(t *testing.T) {
	c := New(backend.NewMockClient(), failingStore{store.NewMemory()}, nil, zerolog.Nop())

	err := c.SetPeriod("x", ContextWidget, 900000)
	var perr *store.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("SetPeriod() error = %v, want PersistenceError", err)
	}
	if got := c.GetPeriod("x", ContextWidget); got != 900000 {
		t.Errorf("period = %d, want in-memory 900000", got)
	}
}

func TestRefresh_ReplacesWindowAndAppendsLiveSample(t *testing.T) {
	mock := backend.NewMockClient()
	live := liveValues{"x": protocol.Number(21.5)}
	c, clk, _ := newCache(t, mock, live)
	ctx := context.Background()

	nowMs := t0.UnixMilli()
	mock.SetHistory("x", []protocol.Sample{
		{TimestampMs: nowMs - 120000, Value: 20},
		{TimestampMs: nowMs - 60000, Value: 21},
	})

	c.Open("x", ContextWidget, 800)
	if err := c.Refresh(ctx, "x", ContextWidget); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	calls := mock.HistoryCalls()
	if len(calls) != 1 || calls[0].StepS != 1 || !calls[0].Start.Equal(t0.Add(-time.Hour)) {
		t.Fatalf("history calls = %+v", calls)
	}

	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 3 {
		t.Fatalf("samples = %v, want 2 fetched + live", s.Samples)
	}
	last := s.Samples[2]
	if last.TimestampMs != nowMs || last.Value != 21.5 {
		t.Errorf("live sample = %+v", last)
	}
	if s.LastRefreshMs != nowMs || s.Stale {
		t.Errorf("series = %+v", s)
	}

	// the next window shifts and replaces the old one entirely
	clk.advance(time.Minute)
	mock.SetHistory("x", []protocol.Sample{{TimestampMs: nowMs, Value: 22}})
	live["x"] = protocol.Bool(true)
	_ = c.Refresh(ctx, "x", ContextWidget)

	s, _ = c.Series("x", ContextWidget)
	if len(s.Samples) != 2 || s.Samples[0].Value != 22 || s.Samples[1].Value != 1 {
		t.Errorf("samples after second refresh = %v", s.Samples)
	}
}

func TestRefresh_LiveSampleOverwritesSameInstant(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, liveValues{"x": protocol.Number(5)})
	nowMs := t0.UnixMilli()
	mock.SetHistory("x", []protocol.Sample{{TimestampMs: nowMs - 1000, Value: 1}, {TimestampMs: nowMs, Value: 2}})

	c.Open("x", ContextWidget, 800)
	_ = c.Refresh(context.Background(), "x", ContextWidget)

	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 2 || s.Samples[1] != (protocol.Sample{TimestampMs: nowMs, Value: 5}) {
		t.Errorf("samples = %v", s.Samples)
	}
}

func TestRefresh_FailureKeepsPriorWindow(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 1, Value: 1}})

	c.Open("x", ContextWidget, 800)
	_ = c.Refresh(context.Background(), "x", ContextWidget)

	mock.GetHistoryError = &backend.TransportError{Op: "GET", URL: "/history/x", StatusCode: 503}
	if err := c.Refresh(context.Background(), "x", ContextWidget); err == nil {
		t.Fatal("expected error")
	}

	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 1 {
		t.Errorf("prior window lost: %v", s.Samples)
	}
}

func TestRefresh_NotOpen(t *testing.T) {
	c, _, _ := newCache(t, backend.NewMockClient(), nil)
	if err := c.Refresh(context.Background(), "x", ContextWidget); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Refresh() error = %v, want ErrNotOpen", err)
	}
}

func TestRefreshIfRelevant_OnlyTouchesChangedNode(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	ctx := context.Background()

	c.Open("A", ContextWidget, 800)
	c.Open("A", ContextModal, 800)
	c.Open("B", ContextWidget, 800)

	if err := c.RefreshIfRelevant(ctx, "A"); err != nil {
		t.Fatalf("RefreshIfRelevant() error = %v", err)
	}

	for _, call := range mock.HistoryCalls() {
		if call.ID == "B" {
			t.Fatal("series of B fetched for a change of A")
		}
	}
	if n := len(mock.HistoryCalls()); n != 2 {
		t.Errorf("history calls = %d, want 2 (both contexts of A)", n)
	}
	if !c.IsStale("B", ContextWidget) {
		t.Error("B refreshed")
	}
}

func TestEndToEnd_PushForOtherNodeLeavesSeriesUntouched(t *testing.T) {
	mock := backend.NewMockClient()
	c, clk, _ := newCache(t, mock, nil)
	ctx := context.Background()

	if err := c.SetPeriod("X", ContextWidget, 900000); err != nil {
		t.Fatalf("SetPeriod() error = %v", err)
	}
	c.Open("X", ContextWidget, 800)
	_ = c.Refresh(ctx, "X", ContextWidget)
	before, _ := c.Series("X", ContextWidget)

	clk.advance(30 * time.Second)
	_ = c.RefreshIfRelevant(ctx, "Y")

	after, _ := c.Series("X", ContextWidget)
	if after.LastRefreshMs != before.LastRefreshMs {
		t.Errorf("lastRefreshMs changed from %d to %d", before.LastRefreshMs, after.LastRefreshMs)
	}
	if after.PeriodMs != 900000 || after.StepS != 1 {
		t.Errorf("series = %+v", after)
	}
}

func TestRefresh_LateResponseAfterPeriodChangeIgnored(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	ctx := context.Background()

	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 1, Value: 1}})
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	mock.OnGetHistory = func(ctx context.Context, id string, stepS int) {
		if calls.Add(1) == 1 {
			close(inFlight)
			<-release
		}
	}

	c.Open("x", ContextWidget, 800)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, "x", ContextWidget) }()
	<-inFlight

	if err := c.SetPeriod("x", ContextWidget, 86400000); err != nil {
		t.Fatalf("SetPeriod() error = %v", err)
	}
	close(release)

	if err := <-done; !errors.Is(err, nodecache.ErrStaleResponse) {
		t.Fatalf("late Refresh() error = %v, want ErrStaleResponse", err)
	}
	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 0 || !s.Stale {
		t.Errorf("stale window applied: %+v", s)
	}

	// the refresh for the new window lands
	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 2, Value: 2}})
	if err := c.Refresh(ctx, "x", ContextWidget); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	s, _ = c.Series("x", ContextWidget)
	if len(s.Samples) != 1 || s.StepS != 108 {
		t.Errorf("series = %+v", s)
	}
}

func TestRefresh_OutOfOrderCompletionLaterIssuedWins(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	ctx := context.Background()

	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 1, Value: 1}})
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	mock.OnGetHistory = func(ctx context.Context, id string, stepS int) {
		if calls.Add(1) == 1 {
			close(inFlight)
			<-release
		}
	}

	c.Open("x", ContextWidget, 800)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, "x", ContextWidget) }()
	<-inFlight

	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 2, Value: 2}})
	if err := c.Refresh(ctx, "x", ContextWidget); err != nil {
		t.Fatalf("second Refresh() error = %v", err)
	}
	close(release)
	<-done

	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 1 || s.Samples[0].Value != 2 {
		t.Errorf("samples = %v, want the later-issued window", s.Samples)
	}
}

func TestCloseModal(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	ctx := context.Background()
	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 1, Value: 1}})

	c.Open("x", ContextWidget, 800)
	c.Open("x", ContextModal, 1600)
	_ = c.RefreshIfRelevant(ctx, "x")

	inFlight := make(chan struct{})
	release := make(chan struct{})
	mock.OnGetHistory = func(ctx context.Context, id string, stepS int) {
		close(inFlight)
		<-release
	}
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, "x", ContextModal) }()
	<-inFlight

	c.CloseModal("x")
	close(release)
	if err := <-done; !errors.Is(err, nodecache.ErrStaleResponse) {
		t.Errorf("Refresh() of closed modal = %v, want ErrStaleResponse", err)
	}

	if _, ok := c.Series("x", ContextModal); ok {
		t.Error("modal buffer not freed")
	}
	if s, ok := c.Series("x", ContextWidget); !ok || len(s.Samples) != 1 {
		t.Errorf("widget buffer lost: %+v", s)
	}

	if err := c.Drop("x"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}
	if len(c.Active()) != 0 {
		t.Errorf("Active() after Drop = %v", c.Active())
	}
}

func TestDrop_ForgetsPeriodSelections(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, s := newCache(t, mock, nil)

	_ = c.SetPeriod("x", ContextWidget, 86400000)
	_ = c.SetPeriod("x", ContextModal, 604800000)
	_ = c.SetPeriod("y", ContextWidget, 86400000)
	c.Open("x", ContextWidget, 800)

	if err := c.Drop("x"); err != nil {
		t.Fatalf("Drop() error = %v", err)
	}

	for _, key := range []string{"x_widget", "x_modal"} {
		if _, err := s.Get(key); !errors.Is(err, store.ErrNotFound) {
			t.Errorf("Get(%q) error = %v, want ErrNotFound", key, err)
		}
	}
	if got := c.GetPeriod("x", ContextModal); got != DefaultPeriodMs {
		t.Errorf("GetPeriod() after Drop = %d, want default", got)
	}
	if got := c.GetPeriod("y", ContextWidget); got != 86400000 {
		t.Errorf("GetPeriod() of other node = %d, want 86400000", got)
	}
}

func TestRefresh_LateResponseAfterStepChangeIgnored(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	ctx := context.Background()
	_ = c.SetPeriod("x", ContextWidget, 86400000)

	mock.SetHistory("x", []protocol.Sample{{TimestampMs: 1, Value: 1}})
	inFlight := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	mock.OnGetHistory = func(ctx context.Context, id string, stepS int) {
		if calls.Add(1) == 1 {
			close(inFlight)
			<-release
		}
	}

	c.Open("x", ContextWidget, 800)
	done := make(chan error, 1)
	go func() { done <- c.Refresh(ctx, "x", ContextWidget) }()
	<-inFlight

	if s := c.Open("x", ContextWidget, 400); s.StepS != 216 || !s.Stale {
		t.Fatalf("Open() after resize = %+v", s)
	}
	close(release)

	if err := <-done; !errors.Is(err, nodecache.ErrStaleResponse) {
		t.Fatalf("late Refresh() error = %v, want ErrStaleResponse", err)
	}
	s, _ := c.Series("x", ContextWidget)
	if len(s.Samples) != 0 || !s.Stale {
		t.Errorf("old-step window applied: %+v", s)
	}

	if err := c.Refresh(ctx, "x", ContextWidget); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	hc := mock.HistoryCalls()
	if last := hc[len(hc)-1]; last.StepS != 216 {
		t.Errorf("refresh step = %d, want 216", last.StepS)
	}
	if s, _ := c.Series("x", ContextWidget); s.Stale || len(s.Samples) != 1 {
		t.Errorf("Series() after refresh = %+v", s)
	}
}

func TestOpen_SameStepKeepsFreshSeries(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)

	c.Open("x", ContextWidget, 800)
	if err := c.Refresh(context.Background(), "x", ContextWidget); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	// one hour windows use step 1 at any width
	if s := c.Open("x", ContextWidget, 400); s.StepS != 1 || s.Stale {
		t.Errorf("Open() after resize = %+v", s)
	}
}

func TestOpen_WidthChangeMarksStale(t *testing.T) {
	mock := backend.NewMockClient()
	c, _, _ := newCache(t, mock, nil)
	_ = c.SetPeriod("x", ContextWidget, 86400000)

	s := c.Open("x", ContextWidget, 800)
	if s.StepS != 108 || !s.Stale {
		t.Fatalf("Open() = %+v", s)
	}
	_ = c.Refresh(context.Background(), "x", ContextWidget)

	s = c.Open("x", ContextWidget, 400)
	if s.StepS != 216 || !s.Stale {
		t.Errorf("Open() after resize = %+v", s)
	}
}

func TestParseContext(t *testing.T) {
	if _, err := ParseContext("widget"); err != nil {
		t.Errorf("widget: %v", err)
	}
	if _, err := ParseContext("popup"); err == nil {
		t.Error("popup accepted")
	}
}
