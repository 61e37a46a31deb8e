package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkotak/algodispatch/internal/domain"
)

func newTestWatcherSet(t *testing.T) (*WatcherSet, *mockFeed, *mockTradeStore, *mockPositionStore) {
	t.Helper()
	feed := &mockFeed{prices: map[string]float64{}}
	trades := &mockTradeStore{}
	positions := newMockPositionStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ws := NewWatcherSet(feed, trades, positions, time.Hour, logger)
	t.Cleanup(ws.StopAll)
	return ws, feed, trades, positions
}

func watchedTrade(id int64, side domain.Side) domain.Trade {
	return domain.Trade{
		ID:         id,
		Symbol:     "TCS",
		Side:       side,
		Quantity:   25,
		EntryPrice: 4_000,
	}
}

func TestTick_UpdatesPnLOnPriceMove(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: 25, AvgPrice: 4_000,
	}))
	feed.prices["TCS"] = 4_100

	tr := watchedTrade(1, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)
	assert.False(t, done)

	require.Len(t, trades.pnlUpdates, 1)
	upd := trades.pnlUpdates[0]
	assert.Equal(t, int64(1), upd.TradeID)
	assert.Equal(t, 4_100.0, upd.CurrentPrice)
	assert.InDelta(t, 2_500.0, upd.PnL, 0.001)
	assert.InDelta(t, 2.5, upd.PnLPercent, 0.001)

	assert.Equal(t, []string{"TCS"}, positions.marks)
}

func TestTick_ShortSideNegatesPnL(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: -25, AvgPrice: 4_000,
	}))
	feed.prices["TCS"] = 4_100

	tr := watchedTrade(2, domain.SideSell)
	ws.tick(context.Background(), &tr, ws.logger)

	require.Len(t, trades.pnlUpdates, 1)
	assert.InDelta(t, -2_500.0, trades.pnlUpdates[0].PnL, 0.001)
}

func TestTick_TerminatesWhenPositionClosed(t *testing.T) {
	ws, feed, trades, _ := newTestWatcherSet(t)
	feed.prices["TCS"] = 4_100

	tr := watchedTrade(3, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)

	assert.True(t, done)
	assert.Empty(t, trades.pnlUpdates)
}

func TestTick_SkipsWhenPriceUnavailable(t *testing.T) {
	ws, _, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: 25, AvgPrice: 4_000,
	}))

	tr := watchedTrade(4, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)

	assert.False(t, done)
	assert.Empty(t, trades.pnlUpdates)
}

func TestTick_SkipsWhenPriceUnchanged(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: 25, AvgPrice: 4_000,
	}))
	feed.prices["TCS"] = 4_000

	tr := watchedTrade(5, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)

	assert.False(t, done)
	assert.Empty(t, trades.pnlUpdates)
	assert.Empty(t, positions.marks)
}

func TestTick_PicksUpReconciledEntryPrice(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: 30, AvgPrice: 4_050,
	}))
	feed.prices["TCS"] = 4_100

	// The reconciler has overwritten the local estimate with the broker's
	// average fill; marks must price against the corrected values.
	trades.byID = map[int64]domain.Trade{
		7: {ID: 7, Symbol: "TCS", Side: domain.SideBuy, Quantity: 30, EntryPrice: 4_050},
	}

	tr := watchedTrade(7, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)
	assert.False(t, done)

	assert.Equal(t, 4_050.0, tr.EntryPrice)
	assert.Equal(t, 30, tr.Quantity)
	require.Len(t, trades.pnlUpdates, 1)
	upd := trades.pnlUpdates[0]
	assert.InDelta(t, 1_500.0, upd.PnL, 0.001)
	assert.InDelta(t, 1_500.0/(4_050.0*30)*100, upd.PnLPercent, 0.001)
}

func TestTick_ZeroQuantityKeepsPnLFinite(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	require.NoError(t, positions.Upsert(context.Background(), domain.Position{
		Symbol: "TCS", Quantity: 25, AvgPrice: 4_000,
	}))
	feed.prices["TCS"] = 4_100

	tr := watchedTrade(8, domain.SideBuy)
	tr.Quantity = 0
	done := ws.tick(context.Background(), &tr, ws.logger)
	assert.False(t, done)

	require.Len(t, trades.pnlUpdates, 1)
	upd := trades.pnlUpdates[0]
	assert.False(t, math.IsNaN(upd.PnLPercent))
	assert.Zero(t, upd.PnL)
	assert.Zero(t, upd.PnLPercent)
}

func TestTick_TransientLookupFailureKeepsWatcher(t *testing.T) {
	ws, feed, trades, positions := newTestWatcherSet(t)
	positions.getErr = errors.New("connection reset")
	feed.prices["TCS"] = 4_100

	tr := watchedTrade(6, domain.SideBuy)
	done := ws.tick(context.Background(), &tr, ws.logger)

	assert.False(t, done)
	assert.Empty(t, trades.pnlUpdates)
}

func TestWatcherSet_Lifecycle(t *testing.T) {
	ws, _, _, _ := newTestWatcherSet(t)

	ws.Watch(context.Background(), watchedTrade(10, domain.SideBuy))
	ws.Watch(context.Background(), watchedTrade(11, domain.SideBuy))
	assert.Equal(t, 2, ws.Count())

	// Re-watching a known trade ID is a no-op.
	ws.Watch(context.Background(), watchedTrade(10, domain.SideBuy))
	assert.Equal(t, 2, ws.Count())

	ws.StopSymbol("TCS")
	assert.Equal(t, 0, ws.Count())

	ws.StopAll()
	assert.Equal(t, 0, ws.Count())
}

func TestWatcherSet_StopSymbolLeavesOthers(t *testing.T) {
	ws, _, _, _ := newTestWatcherSet(t)

	ws.Watch(context.Background(), watchedTrade(20, domain.SideBuy))
	other := watchedTrade(21, domain.SideBuy)
	other.Symbol = "INFY"
	ws.Watch(context.Background(), other)

	ws.StopSymbol("TCS")
	assert.Equal(t, 1, ws.Count())
}
