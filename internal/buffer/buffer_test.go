package buffer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"pairwatch/internal/model"
)

type MockPersister struct {
	mock.Mock
}

func (m *MockPersister) SaveTicks(ctx context.Context, ticks []model.Tick) error {
	args := m.Called(ctx, ticks)
	return args.Error(0)
}

func (m *MockPersister) SaveBars(ctx context.Context, bars []model.Bar) error {
	args := m.Called(ctx, bars)
	return args.Error(0)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func tick(sym string, offset time.Duration, price float64) model.Tick {
	return model.Tick{Symbol: sym, ExchangeTime: t0.Add(offset), Price: price, Quantity: 1}
}

func opts() Options {
	return Options{MaxTicks: 100, MaxAge: time.Hour, EvictInterval: time.Hour, FlushInterval: time.Hour}
}

func TestAppendKeepsExchangeOrderWithReceiptTieBreak(t *testing.T) {
	b := New(zap.NewNop(), nil, opts())

	b.Append(tick("btc", 2*time.Second, 1))
	b.Append(tick("btc", 0, 2))
	b.Append(tick("btc", 2*time.Second, 3))
	b.Append(tick("btc", time.Second, 4))
	b.Append(tick("btc", 2*time.Second, 5))

	got := b.Range("btc", t0, t0.Add(time.Minute))
	prices := make([]float64, len(got))
	for i, tk := range got {
		prices[i] = tk.Price
	}
	assert.Equal(t, []float64{2, 4, 1, 3, 5}, prices)
	assert.Less(t, got[2].Seq, got[3].Seq)
	assert.Less(t, got[3].Seq, got[4].Seq)
}

func TestRangeIsHalfOpen(t *testing.T) {
	b := New(zap.NewNop(), nil, opts())
	for i := 0; i < 10; i++ {
		b.Append(tick("eth", time.Duration(i)*time.Second, float64(i)))
	}

	got := b.Range("eth", t0.Add(2*time.Second), t0.Add(5*time.Second))
	require.Len(t, got, 3)
	assert.Equal(t, 2.0, got[0].Price)
	assert.Equal(t, 4.0, got[2].Price)

	assert.Empty(t, b.Range("eth", t0.Add(time.Hour), t0.Add(2*time.Hour)))
	assert.Empty(t, b.Range("sol", t0, t0.Add(time.Hour)))
}

func TestEvictOlderThan(t *testing.T) {
	b := New(zap.NewNop(), nil, opts())
	for i := 0; i < 10; i++ {
		b.Append(tick("eth", time.Duration(i)*time.Second, float64(i)))
	}

	assert.Equal(t, 4, b.EvictOlderThan("eth", t0.Add(4*time.Second)))
	assert.Equal(t, 6, b.Len("eth"))
	latest, ok := b.Latest("eth")
	require.True(t, ok)
	assert.Equal(t, 9.0, latest.Price)
	assert.Equal(t, 0, b.EvictOlderThan("missing", t0))
}

func TestEvictHonorsAgeAndCount(t *testing.T) {
	b := New(zap.NewNop(), nil, Options{MaxTicks: 5, MaxAge: 30 * time.Second, EvictInterval: time.Hour, FlushInterval: time.Hour})
	for i := 0; i < 60; i++ {
		b.Append(tick("btc", time.Duration(i)*time.Second, float64(i)))
	}
	// append never evicts
	assert.Equal(t, 60, b.Len("btc"))

	b.Evict()
	got := b.Range("btc", t0, t0.Add(time.Hour))
	require.Len(t, got, 5)
	assert.Equal(t, 55.0, got[0].Price)

	b2 := New(zap.NewNop(), nil, Options{MaxTicks: 1000, MaxAge: 30 * time.Second, EvictInterval: time.Hour, FlushInterval: time.Hour})
	for i := 0; i < 60; i++ {
		b2.Append(tick("btc", time.Duration(i)*time.Second, float64(i)))
	}
	b2.Evict()
	assert.Equal(t, 31, b2.Len("btc"))
}

func TestFlushPersistsPendingTicksAndBars(t *testing.T) {
	p := new(MockPersister)
	b := New(zap.NewNop(), p, opts())

	b.Append(tick("btc", 0, 1))
	b.Append(tick("btc", time.Second, 2))
	b.QueueBars([]model.Bar{{Symbol: "btc", Start: t0, Interval: time.Minute, Close: 2}})

	p.On("SaveTicks", mock.Anything, mock.MatchedBy(func(ts []model.Tick) bool { return len(ts) == 2 })).Return(nil).Once()
	p.On("SaveBars", mock.Anything, mock.MatchedBy(func(bs []model.Bar) bool { return len(bs) == 1 })).Return(nil).Once()

	require.NoError(t, b.Flush(context.Background(), "btc"))
	p.AssertExpectations(t)

	// nothing left to flush
	require.NoError(t, b.Flush(context.Background(), "btc"))
	p.AssertNumberOfCalls(t, "SaveTicks", 1)
}

func TestFlushFailureKeepsLiveDataAndRetries(t *testing.T) {
	p := new(MockPersister)
	b := New(zap.NewNop(), p, opts())

	b.Append(tick("btc", 0, 1))
	p.On("SaveTicks", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	require.Error(t, b.Flush(context.Background(), "btc"))
	assert.Equal(t, 1, b.Len("btc"))

	b.Append(tick("btc", time.Second, 2))
	p.On("SaveTicks", mock.Anything, mock.MatchedBy(func(ts []model.Tick) bool {
		return len(ts) == 2 && ts[0].Price == 1 && ts[1].Price == 2
	})).Return(nil).Once()
	require.NoError(t, b.Flush(context.Background(), "btc"))
	p.AssertExpectations(t)
}

func TestFailedBarFlushIsBounded(t *testing.T) {
	p := new(MockPersister)
	o := opts()
	o.MaxPendingBars = 3
	b := New(zap.NewNop(), p, o)

	bar := func(i int) model.Bar {
		return model.Bar{Symbol: "btc", Interval: time.Minute, Start: t0.Add(time.Duration(i) * time.Minute)}
	}
	p.On("SaveBars", mock.Anything, mock.Anything).Return(errors.New("db down")).Twice()
	b.QueueBars([]model.Bar{bar(0), bar(1)})
	require.Error(t, b.Flush(context.Background(), "btc"))
	b.QueueBars([]model.Bar{bar(2), bar(3)})
	require.Error(t, b.Flush(context.Background(), "btc"))

	// only the newest bars survive an outage
	p.On("SaveBars", mock.Anything, mock.MatchedBy(func(bs []model.Bar) bool {
		return len(bs) == 3 && bs[0].Start.Equal(bar(1).Start) && bs[2].Start.Equal(bar(3).Start)
	})).Return(nil).Once()
	require.NoError(t, b.Flush(context.Background(), "btc"))
	p.AssertExpectations(t)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	p := new(MockPersister)
	p.On("SaveTicks", mock.Anything, mock.Anything).Return(nil)
	b := New(zap.NewNop(), p, opts())
	b.Append(tick("btc", 0, 1))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	p.AssertNumberOfCalls(t, "SaveTicks", 1)
}

func TestConcurrentAppendAndRange(t *testing.T) {
	b := New(zap.NewNop(), nil, Options{MaxTicks: 50, MaxAge: time.Hour, EvictInterval: time.Hour, FlushInterval: time.Hour})
	var wg sync.WaitGroup
	for _, sym := range []string{"btc", "eth"} {
		wg.Add(2)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				b.Append(tick(sym, time.Duration(i)*time.Millisecond, float64(i)))
			}
		}(sym)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Range(sym, t0, t0.Add(time.Second))
				b.Evict()
			}
		}(sym)
	}
	wg.Wait()
	b.Evict()
	assert.Equal(t, 50, b.Len("btc"))
	assert.Equal(t, 50, b.Len("eth"))
}
