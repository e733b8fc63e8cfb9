package tracking

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
)

type mockSink struct {
	mu        sync.Mutex
	calls     []Call
	batches   int
	writeFunc func(ctx context.Context, calls []Call) error
}

func (m *mockSink) Write(ctx context.Context, calls []Call) error {
	if m.writeFunc != nil {
		if err := m.writeFunc(ctx, calls); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, calls...)
	m.batches++
	return nil
}

func (m *mockSink) snapshot() ([]Call, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...), m.batches
}

type mockCountries struct {
	countryFunc func(ip net.IP) (string, error)
}

func (m *mockCountries) Country(ip net.IP) (string, error) {
	return m.countryFunc(ip)
}

func newTestTracker(t *testing.T, cfg TrackerConfig) *Tracker {
	t.Helper()
	cfg.Logger = stakegatetesting.NewLogger()
	tr, err := NewTracker(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close(context.Background()) })
	return tr
}

func TestStakeGate_Tracking_RecordAndDrainOnClose(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sink := &mockSink{}
	tr := newTestTracker(t, TrackerConfig{Clock: clock, Sink: sink, BatchSize: 50})

	for i := range 7 {
		tr.Record(Call{Endpoint: "/api/rewards/{wallet}", Status: 200 + i})
	}
	require.NoError(t, tr.Close(t.Context()))

	calls, batches := sink.snapshot()
	require.Len(t, calls, 7)
	require.Equal(t, 1, batches)
	for i, c := range calls {
		require.NotEqual(t, uuid.Nil, c.ID)
		require.Equal(t, clock.Now(), c.At)
		require.Equal(t, 200+i, c.Status, "order is preserved")
	}
	require.Zero(t, tr.Dropped())

	tr.Record(Call{Endpoint: "/late"})
	require.Equal(t, uint64(1), tr.Dropped(), "records after close are dropped")
	require.NoError(t, tr.Close(t.Context()), "close is idempotent")
}

func TestStakeGate_Tracking_BatchSize(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	tr := newTestTracker(t, TrackerConfig{Clock: clockwork.NewFakeClock(), Sink: sink, BatchSize: 3})

	for range 6 {
		tr.Record(Call{Endpoint: "/x"})
	}
	require.Eventually(t, func() bool {
		calls, batches := sink.snapshot()
		return len(calls) == 6 && batches == 2
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStakeGate_Tracking_FlushInterval(t *testing.T) {
	t.Parallel()

	clock := clockwork.NewFakeClock()
	sink := &mockSink{}
	tr := newTestTracker(t, TrackerConfig{Clock: clock, Sink: sink, BatchSize: 100, FlushInterval: time.Second})

	tr.Record(Call{Endpoint: "/x"})
	require.Eventually(t, func() bool { return len(tr.queue) == 0 }, time.Second, time.Millisecond)

	calls, _ := sink.snapshot()
	require.Empty(t, calls, "partial batch waits for the interval")

	clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		calls, _ := sink.snapshot()
		return len(calls) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStakeGate_Tracking_DropsWhenFull(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	sink := &mockSink{
		writeFunc: func(ctx context.Context, calls []Call) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	}
	tr := newTestTracker(t, TrackerConfig{Clock: clockwork.NewFakeClock(), Sink: sink, QueueSize: 2, BatchSize: 1})

	// The worker takes the first call and blocks in the sink.
	tr.Record(Call{Endpoint: "/0"})
	<-entered

	start := time.Now()
	for i := range 10 {
		tr.Record(Call{Endpoint: "/" + string(rune('a'+i))})
	}
	require.Less(t, time.Since(start), time.Second, "record never blocks")
	require.Equal(t, uint64(8), tr.Dropped())

	close(release)
	require.NoError(t, tr.Close(t.Context()))
	calls, _ := sink.snapshot()
	require.Len(t, calls, 3)
}

func TestStakeGate_Tracking_SinkFailuresDoNotStopWorker(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	n := 0
	sink := &mockSink{
		writeFunc: func(ctx context.Context, calls []Call) error {
			mu.Lock()
			defer mu.Unlock()
			n++
			switch n {
			case 1:
				panic("sink exploded")
			case 2:
				return errors.New("db down")
			}
			return nil
		},
	}
	tr := newTestTracker(t, TrackerConfig{Clock: clockwork.NewFakeClock(), Sink: sink, BatchSize: 1})

	tr.Record(Call{Endpoint: "/panic"})
	tr.Record(Call{Endpoint: "/error"})
	tr.Record(Call{Endpoint: "/ok"})
	require.NoError(t, tr.Close(t.Context()))

	calls, _ := sink.snapshot()
	require.Len(t, calls, 1)
	require.Equal(t, "/ok", calls[0].Endpoint)
}

func TestStakeGate_Tracking_CountryEnrichment(t *testing.T) {
	t.Parallel()

	sink := &mockSink{}
	countries := &mockCountries{
		countryFunc: func(ip net.IP) (string, error) {
			if ip.Equal(net.ParseIP("203.0.113.7")) {
				return "AU", nil
			}
			return "", errors.New("not in database")
		},
	}
	tr := newTestTracker(t, TrackerConfig{Clock: clockwork.NewFakeClock(), Sink: sink, Countries: countries})

	tr.Record(Call{Endpoint: "/a", IP: "203.0.113.7"})
	tr.Record(Call{Endpoint: "/b", IP: "198.51.100.1"})
	tr.Record(Call{Endpoint: "/c", IP: "not-an-ip"})
	tr.Record(Call{Endpoint: "/d", IP: "203.0.113.7", Country: "NZ"})
	require.NoError(t, tr.Close(t.Context()))

	calls, _ := sink.snapshot()
	require.Len(t, calls, 4)
	require.Equal(t, "AU", calls[0].Country)
	require.Empty(t, calls[1].Country)
	require.Empty(t, calls[2].Country)
	require.Equal(t, "NZ", calls[3].Country, "existing country is kept")
}

func TestStakeGate_Tracking_MultiSink(t *testing.T) {
	t.Parallel()

	a := &mockSink{}
	b := &mockSink{writeFunc: func(context.Context, []Call) error { return errors.New("b failed") }}
	c := &mockSink{}
	err := MultiSink{a, b, c}.Write(t.Context(), []Call{{Endpoint: "/x"}})
	require.EqualError(t, err, "b failed")

	got, _ := a.snapshot()
	require.Len(t, got, 1)
	got, _ = c.snapshot()
	require.Len(t, got, 1, "a failing sink does not starve later sinks")

	require.NoError(t, LogSink{Logger: stakegatetesting.NewLogger()}.Write(t.Context(), []Call{{Endpoint: "/x"}}))
}

func TestStakeGate_Tracking_Config(t *testing.T) {
	t.Parallel()

	_, err := NewTracker(TrackerConfig{})
	require.EqualError(t, err, "logger is required")
	_, err = NewTracker(TrackerConfig{Logger: stakegatetesting.NewLogger()})
	require.EqualError(t, err, "sink is required")

	cfg := TrackerConfig{Logger: stakegatetesting.NewLogger(), Sink: &mockSink{}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, 1024, cfg.QueueSize)
	require.Equal(t, 100, cfg.BatchSize)
	require.Equal(t, 5*time.Second, cfg.FlushInterval)
}
