package gate

import (
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkotak/algodispatch/internal/domain"
)

func newTestGate(t *testing.T, cfg Config) (*Gate, *time.Time) {
	t.Helper()
	g := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	clock := time.Date(2026, 8, 28, 10, 0, 0, 0, marketTZ)
	g.now = func() time.Time { return clock }
	return g, &clock
}

func entryRequest(symbol string) Request {
	return Request{
		Symbol:   symbol,
		Side:     domain.SideBuy,
		Quantity: 10,
		Price:    6_000,
	}
}

func TestDecide_AllowsPlainEquityEntry(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("RELIANCE"))

	require.True(t, d.Allowed)
	assert.Equal(t, ReasonAllowed, d.Reason)
	assert.NotEmpty(t, d.Signature)
}

func TestDecide_RejectsNonPositiveQuantity(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	tests := []struct {
		name string
		req  Request
	}{
		{"zero entry", Request{Symbol: "RELIANCE", Side: domain.SideBuy, Quantity: 0, Price: 6_000}},
		{"negative entry", Request{Symbol: "RELIANCE", Side: domain.SideBuy, Quantity: -10, Price: 6_000}},
		{"zero exit", Request{Symbol: "RELIANCE", Side: domain.SideSell, Quantity: 0, IsExit: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := g.Decide(tt.req)
			require.False(t, d.Allowed)
			assert.Equal(t, ReasonInvalidQuantity, d.Reason)
		})
	}
}

func TestDecide_BlocksOptionSellEntry(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	d := g.Decide(Request{
		Symbol:   "NIFTY24SEP24500CE",
		Side:     domain.SideSell,
		Quantity: 75,
		Price:    120,
	})

	require.False(t, d.Allowed)
	assert.Equal(t, ReasonOptionsSellBlocked, d.Reason)
}

func TestDecide_OptionSellAllowedForExit(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	d := g.Decide(Request{
		Symbol:   "NIFTY24SEP24500CE",
		Side:     domain.SideSell,
		Quantity: 75,
		Price:    120,
		IsExit:   true,
	})

	require.True(t, d.Allowed)
}

func TestDecide_DailySymbolCap(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	for i := 0; i < 3; i++ {
		req := entryRequest("TCS")
		req.SignalID = string(rune('a' + i))
		d := g.Decide(req)
		require.True(t, d.Allowed, "trade %d should be admitted", i+1)
		g.RecordAttempt(d.Signature, "TCS", false, true, nil)
		*clock = clock.Add(10 * time.Minute)
	}

	d := g.Decide(entryRequest("TCS"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDailySymbolLimit, d.Reason)

	// Exits never count against the cap.
	exit := entryRequest("TCS")
	exit.Side = domain.SideSell
	exit.IsExit = true
	assert.True(t, g.Decide(exit).Allowed)
}

func TestDecide_LotSizeAppliesToExits(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	d := g.Decide(Request{
		Symbol:   "BANKNIFTY24SEPFUT",
		Side:     domain.SideSell,
		Quantity: 45, // lot size is 30
		Price:    51_000,
		IsExit:   true,
	})

	require.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalidLotSize, d.Reason)

	d = g.Decide(Request{
		Symbol:   "BANKNIFTY24SEPFUT",
		Side:     domain.SideSell,
		Quantity: 60,
		Price:    51_000,
		IsExit:   true,
	})
	require.True(t, d.Allowed)
}

func TestDecide_MinimumQuantitySkippedForOptionsAndFutures(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	small := entryRequest("INFY")
	small.Quantity = 4
	small.Price = 50_000 // keep notional above the floor
	d := g.Decide(small)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonQuantityTooSmall, d.Reason)

	// Options have no minimum share count, only the notional floor.
	opt := Request{
		Symbol:   "NIFTY24SEP24500PE",
		Side:     domain.SideBuy,
		Quantity: 1,
		Price:    6_000,
	}
	assert.True(t, g.Decide(opt).Allowed)
}

func TestDecide_OrderValueFloors(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	eq := entryRequest("HDFCBANK")
	eq.Quantity = 10
	eq.Price = 4_000 // 40k < 50k floor
	d := g.Decide(eq)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonOrderValueTooSmall, d.Reason)

	opt := Request{
		Symbol:   "BANKNIFTY24SEP48000CE",
		Side:     domain.SideBuy,
		Quantity: 30,
		Price:    120, // 3.6k < 5k option floor
	}
	d = g.Decide(opt)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonOrderValueTooSmall, d.Reason)

	opt.Price = 200 // 6k clears the option floor
	assert.True(t, g.Decide(opt).Allowed)
}

func TestDecide_UnknownPriceSkipsValueFloor(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	req := entryRequest("SBIN")
	req.Price = 0
	assert.True(t, g.Decide(req).Allowed)
}

func TestDecide_CooldownAndExitBypass(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("WIPRO"))
	require.True(t, d.Allowed)
	g.RecordAttempt(d.Signature, "WIPRO", false, true, nil)

	*clock = clock.Add(2 * time.Minute)
	again := entryRequest("WIPRO")
	again.SignalID = "second"
	d = g.Decide(again)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonSymbolCooldown, d.Reason)
	assert.Equal(t, 3*time.Minute, d.RetryAfter)

	// Exits trade out regardless of the cooldown.
	exit := entryRequest("WIPRO")
	exit.Side = domain.SideSell
	exit.IsExit = true
	assert.True(t, g.Decide(exit).Allowed)

	*clock = clock.Add(4 * time.Minute)
	later := entryRequest("WIPRO")
	later.SignalID = "third"
	assert.True(t, g.Decide(later).Allowed)
}

func TestDecide_FailedAttemptDoesNotStampCooldown(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("LT"))
	require.True(t, d.Allowed)
	g.RecordAttempt(d.Signature, "LT", false, false, errors.New("rejected"))

	*clock = clock.Add(time.Minute)
	retry := entryRequest("LT")
	retry.SignalID = "retry"
	assert.True(t, g.Decide(retry).Allowed)
}

func TestDecide_PerSecondCeiling(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	for i := 0; i < 2; i++ {
		req := entryRequest("SYM" + string(rune('A'+i)))
		require.True(t, g.Decide(req).Allowed)
	}

	d := g.Decide(entryRequest("SYMC"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxOrdersPerSecond, d.Reason)

	*clock = clock.Add(2 * time.Second)
	assert.True(t, g.Decide(entryRequest("SYMC")).Allowed)
}

func TestDecide_PerMinuteCeiling(t *testing.T) {
	cfg := Defaults()
	cfg.MaxOrdersPerSecond = 100
	g, clock := newTestGate(t, cfg)

	for i := 0; i < 10; i++ {
		req := entryRequest("MIN" + string(rune('A'+i)))
		require.True(t, g.Decide(req).Allowed)
	}

	d := g.Decide(entryRequest("MINZ"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxOrdersPerMinute, d.Reason)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	*clock = clock.Add(2 * time.Minute)
	assert.True(t, g.Decide(entryRequest("MINZ")).Allowed)
}

func TestDecide_DailyCeiling(t *testing.T) {
	cfg := Defaults()
	cfg.MaxOrdersPerDay = 3
	cfg.MaxOrdersPerMinute = 100
	cfg.MaxOrdersPerSecond = 100
	g, _ := newTestGate(t, cfg)

	for i := 0; i < 3; i++ {
		req := entryRequest("DAY" + string(rune('A'+i)))
		require.True(t, g.Decide(req).Allowed)
	}

	d := g.Decide(entryRequest("DAYZ"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonMaxOrdersPerDay, d.Reason)
}

func TestRecordAttempt_BanAfterConsecutiveFailures(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	for i := 0; i < 3; i++ {
		req := entryRequest("ZOMATO")
		req.SignalID = "fail" + string(rune('a'+i))
		d := g.Decide(req)
		require.True(t, d.Allowed)
		g.RecordAttempt(d.Signature, "ZOMATO", false, false, errors.New("order rejected"))
		*clock = clock.Add(5 * time.Second)
	}

	require.True(t, g.Banned("ZOMATO"))
	d := g.Decide(entryRequest("ZOMATO"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonSymbolBanned, d.Reason)

	// The ban clears after the configured interval.
	*clock = clock.Add(11 * time.Minute)
	assert.False(t, g.Banned("ZOMATO"))
	assert.True(t, g.Decide(entryRequest("ZOMATO")).Allowed)
}

func TestRecordAttempt_SuccessResetsFailureStreak(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	for i := 0; i < 2; i++ {
		req := entryRequest("PAYTM")
		req.SignalID = "s" + string(rune('a'+i))
		d := g.Decide(req)
		require.True(t, d.Allowed)
		g.RecordAttempt(d.Signature, "PAYTM", false, false, errors.New("timeout"))
		*clock = clock.Add(5 * time.Second)
	}

	d := g.Decide(Request{SignalID: "ok", Symbol: "PAYTM", Side: domain.SideBuy, Quantity: 10, Price: 6_000})
	require.True(t, d.Allowed)
	g.RecordAttempt(d.Signature, "PAYTM", false, true, nil)

	// Two more failures must not trip the threshold of three.
	*clock = clock.Add(6 * time.Minute)
	for i := 0; i < 2; i++ {
		req := entryRequest("PAYTM")
		req.SignalID = "post" + string(rune('a'+i))
		d := g.Decide(req)
		require.True(t, d.Allowed)
		g.RecordAttempt(d.Signature, "PAYTM", false, false, errors.New("timeout"))
		*clock = clock.Add(6 * time.Minute)
	}
	assert.False(t, g.Banned("PAYTM"))
}

func TestDecide_DuplicateSignalSuppressed(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	req := Request{SignalID: "sig-1", Symbol: "ITC", Side: domain.SideBuy, Quantity: 100, Price: 500}
	d := g.Decide(req)
	require.True(t, d.Allowed)
	assert.Equal(t, "sig-1", d.Signature)

	*clock = clock.Add(10 * time.Second)
	d = g.Decide(req)
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDuplicateSignal, d.Reason)
	assert.Equal(t, 20*time.Second, d.RetryAfter)

	*clock = clock.Add(25 * time.Second)
	assert.True(t, g.Decide(req).Allowed)
}

func TestDecide_SignatureFallsBackToSymbolSideQuantity(t *testing.T) {
	g, _ := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("ONGC"))
	require.True(t, d.Allowed)
	assert.Equal(t, "ONGC|BUY|10", d.Signature)

	d = g.Decide(entryRequest("ONGC"))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDuplicateSignal, d.Reason)
}

func TestGate_DailyReset(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	for i := 0; i < 3; i++ {
		req := entryRequest("BAJFINANCE")
		req.SignalID = "d" + string(rune('a'+i))
		d := g.Decide(req)
		require.True(t, d.Allowed)
		g.RecordAttempt(d.Signature, "BAJFINANCE", false, true, nil)
		*clock = clock.Add(10 * time.Minute)
	}
	require.False(t, g.Decide(entryRequest("BAJFINANCE")).Allowed)

	// Past midnight in Asia/Kolkata the counters start over.
	*clock = clock.Add(24 * time.Hour)
	d := g.Decide(entryRequest("BAJFINANCE"))
	require.True(t, d.Allowed)

	snap := g.Snapshot()
	assert.Equal(t, clock.In(marketTZ).Format("2006-01-02"), snap.Day)
	assert.Equal(t, 1, snap.OrdersToday)
}

func TestSnapshot_ReportsCounters(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("TITAN"))
	require.True(t, d.Allowed)
	g.RecordAttempt(d.Signature, "TITAN", false, true, nil)

	*clock = clock.Add(2 * time.Second)
	d = g.Decide(entryRequest("DMART"))
	require.True(t, d.Allowed)
	g.RecordAttempt(d.Signature, "DMART", false, false, errors.New("rejected"))

	snap := g.Snapshot()
	assert.Equal(t, 2, snap.OrdersToday)
	assert.Equal(t, 1, snap.DailyCounts["TITAN"])
	assert.Equal(t, 1, snap.FailureCounts["DMART"])
	assert.Equal(t, 2, snap.PendingSignals)
	assert.Empty(t, snap.BannedSymbols)
}

func TestCleanup_DropsExpiredState(t *testing.T) {
	g, clock := newTestGate(t, Defaults())

	d := g.Decide(entryRequest("VEDL"))
	require.True(t, d.Allowed)
	for i := 0; i < 3; i++ {
		g.RecordAttempt(d.Signature, "VEDL", false, false, errors.New("rejected"))
	}
	require.True(t, g.Banned("VEDL"))

	*clock = clock.Add(15 * time.Minute)
	g.Cleanup()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.seen)
	assert.Empty(t, g.bannedUntil)
}
