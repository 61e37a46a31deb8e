// Package gate implements pre-broker admission control: per-symbol cooldowns,
// daily trade caps, lot-size and order-value floors, global submission
// ceilings, failure-driven symbol bans, and duplicate-signal suppression.
// Admission rejections are ordinary return values, never errors.
package gate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Reason is the admission rejection reason code surfaced to callers.
type Reason string

const (
	ReasonAllowed            Reason = "ALLOWED"
	ReasonInvalidQuantity    Reason = "INVALID_QUANTITY"
	ReasonOptionsSellBlocked Reason = "OPTIONS_SELL_BLOCKED"
	ReasonDailySymbolLimit   Reason = "DAILY_SYMBOL_LIMIT"
	ReasonInvalidLotSize     Reason = "INVALID_LOT_SIZE"
	ReasonQuantityTooSmall   Reason = "QUANTITY_TOO_SMALL"
	ReasonOrderValueTooSmall Reason = "ORDER_VALUE_TOO_SMALL"
	ReasonSymbolCooldown     Reason = "SYMBOL_COOLDOWN"
	ReasonMaxOrdersPerDay    Reason = "MAX_ORDERS_PER_DAY"
	ReasonMaxOrdersPerMinute Reason = "MAX_ORDERS_PER_MINUTE"
	ReasonMaxOrdersPerSecond Reason = "MAX_ORDERS_PER_SECOND"
	ReasonSymbolBanned       Reason = "SYMBOL_BANNED"
	ReasonDuplicateSignal    Reason = "DUPLICATE_SIGNAL"
)

// Config holds the admission-control limits. Values must be bit-exact with
// the platform defaults; see Defaults.
type Config struct {
	CooldownSeconds       int
	MaxTradesPerSymbolDay int
	MinQuantity           int
	MinOrderValue         float64
	MinOptionOrderValue   float64
	MaxOrdersPerDay       int
	MaxOrdersPerMinute    int
	MaxOrdersPerSecond    int
	BanThreshold          int
	BanSeconds            int
	DedupWindowSeconds    int
}

// Defaults returns the platform default limits.
func Defaults() Config {
	return Config{
		CooldownSeconds:       300,
		MaxTradesPerSymbolDay: 3,
		MinQuantity:           5,
		MinOrderValue:         50_000,
		MinOptionOrderValue:   5_000,
		MaxOrdersPerDay:       50,
		MaxOrdersPerMinute:    10,
		MaxOrdersPerSecond:    2,
		BanThreshold:          3,
		BanSeconds:            600,
		DedupWindowSeconds:    30,
	}
}

// Request is one admission query.
type Request struct {
	SignalID string
	Symbol   string
	Side     domain.Side
	Quantity int
	Price    float64
	IsExit   bool
}

// signature returns the dedup signature: the signal id when present,
// otherwise symbol+side+quantity.
func (r Request) signature() string {
	if r.SignalID != "" {
		return r.SignalID
	}
	return fmt.Sprintf("%s|%s|%d", r.Symbol, r.Side, r.Quantity)
}

// Decision is the admission verdict. On Allowed the caller must report the
// submission outcome back via RecordAttempt so cooldowns, daily counters and
// failure bans stay consistent.
type Decision struct {
	Allowed    bool
	Reason     Reason
	Signature  string
	RetryAfter time.Duration // cooldown/ban remainder, zero otherwise
}

// Snapshot is a read-only view of the gate's state for status endpoints.
type Snapshot struct {
	Day            string
	OrdersToday    int
	DailyCounts    map[string]int
	BannedSymbols  map[string]time.Time
	FailureCounts  map[string]int
	PendingSignals int
}

// marketTZ is the timezone whose midnight resets daily counters.
var marketTZ = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		return time.UTC
	}
	return loc
}()

// Gate is the admission controller. All mutable state lives behind a single
// mutex so that concurrent signals for the same symbol cannot interleave
// their cooldown/counter reads and writes.
type Gate struct {
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	day         string               // market-local date the counters belong to
	lastTrade   map[string]time.Time // symbol -> last admitted trade time
	dailyCount  map[string]int       // symbol -> admitted non-exit trades today
	failures    map[string]int       // symbol -> consecutive submission failures
	bannedUntil map[string]time.Time
	seen        map[string]time.Time // dedup signature -> admitted time
	ordersToday int
	minuteMark  time.Time
	minuteCount int
	secondMark  time.Time
	secondCount int

	now func() time.Time // injectable clock for tests
}

// New creates a Gate with the given limits.
func New(cfg Config, logger *slog.Logger) *Gate {
	return &Gate{
		cfg:         cfg,
		logger:      logger.With(slog.String("component", "gate")),
		lastTrade:   make(map[string]time.Time),
		dailyCount:  make(map[string]int),
		failures:    make(map[string]int),
		bannedUntil: make(map[string]time.Time),
		seen:        make(map[string]time.Time),
		now:         time.Now,
	}
}

// Decide evaluates the admission checks in order; the first failing check
// wins. On success the dedup signature is recorded and the global submission
// counters are charged, so a positive Decision must be followed by exactly
// one broker submission and one RecordAttempt call.
func (g *Gate) Decide(req Request) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDayLocked(now)

	reject := func(reason Reason, retryAfter time.Duration) Decision {
		g.logger.Debug("signal rejected",
			slog.String("symbol", req.Symbol),
			slog.String("side", string(req.Side)),
			slog.String("reason", string(reason)),
		)
		return Decision{Reason: reason, RetryAfter: retryAfter}
	}

	isOption := domain.IsOption(req.Symbol)

	// 1. Quantity must be positive, exits included.
	if req.Quantity <= 0 {
		return reject(ReasonInvalidQuantity, 0)
	}

	// 2. Selling options requires full margin; only exits may sell.
	if isOption && req.Side == domain.SideSell && !req.IsExit {
		return reject(ReasonOptionsSellBlocked, 0)
	}

	// 3. Per-symbol daily cap (non-exit only).
	if !req.IsExit && g.dailyCount[req.Symbol] >= g.cfg.MaxTradesPerSymbolDay {
		return reject(ReasonDailySymbolLimit, 0)
	}

	// 4. Index futures trade in whole lots, exits included.
	if lot, ok := domain.LotSize(req.Symbol); ok {
		if req.Quantity%lot != 0 {
			return reject(ReasonInvalidLotSize, 0)
		}
	}

	// 5. Minimum quantity and minimum notional (non-exit only).
	if !req.IsExit {
		if !isOption && !domain.IsIndexFuture(req.Symbol) && req.Quantity < g.cfg.MinQuantity {
			return reject(ReasonQuantityTooSmall, 0)
		}
		floor := g.cfg.MinOrderValue
		if isOption {
			floor = g.cfg.MinOptionOrderValue
		}
		if req.Price > 0 && float64(req.Quantity)*req.Price < floor {
			return reject(ReasonOrderValueTooSmall, 0)
		}
	}

	// 6. Per-symbol cooldown; exits always bypass.
	if !req.IsExit {
		if last, ok := g.lastTrade[req.Symbol]; ok {
			cooldown := time.Duration(g.cfg.CooldownSeconds) * time.Second
			if elapsed := now.Sub(last); elapsed < cooldown {
				return reject(ReasonSymbolCooldown, cooldown-elapsed)
			}
		}
	}

	// 7. Global submission ceilings.
	if g.ordersToday >= g.cfg.MaxOrdersPerDay {
		return reject(ReasonMaxOrdersPerDay, 0)
	}
	if now.Sub(g.minuteMark) < time.Minute && g.minuteCount >= g.cfg.MaxOrdersPerMinute {
		return reject(ReasonMaxOrdersPerMinute, time.Minute-now.Sub(g.minuteMark))
	}
	if now.Sub(g.secondMark) < time.Second && g.secondCount >= g.cfg.MaxOrdersPerSecond {
		return reject(ReasonMaxOrdersPerSecond, time.Second-now.Sub(g.secondMark))
	}

	// 8. Failure-driven symbol ban.
	if until, ok := g.bannedUntil[req.Symbol]; ok {
		if now.Before(until) {
			return reject(ReasonSymbolBanned, until.Sub(now))
		}
		delete(g.bannedUntil, req.Symbol)
	}

	// 9. Duplicate suppression inside the rolling window.
	sig := req.signature()
	window := time.Duration(g.cfg.DedupWindowSeconds) * time.Second
	if seenAt, ok := g.seen[sig]; ok && now.Sub(seenAt) < window {
		return reject(ReasonDuplicateSignal, window-now.Sub(seenAt))
	}
	g.seen[sig] = now

	// Charge the global ceilings at admission time; they protect the
	// broker's API rate limits, which every submission attempt consumes.
	g.ordersToday++
	if now.Sub(g.minuteMark) >= time.Minute {
		g.minuteMark = now
		g.minuteCount = 0
	}
	g.minuteCount++
	if now.Sub(g.secondMark) >= time.Second {
		g.secondMark = now
		g.secondCount = 0
	}
	g.secondCount++

	return Decision{Allowed: true, Reason: ReasonAllowed, Signature: sig}
}

// RecordAttempt reports the outcome of an admitted submission. On success it
// stamps the symbol's cooldown, increments the daily counter (non-exit only),
// and clears the failure streak. On failure it advances the failure streak
// and bans the symbol once the streak reaches the configured threshold.
func (g *Gate) RecordAttempt(signature, symbol string, isExit, success bool, attemptErr error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDayLocked(now)

	if success {
		g.lastTrade[symbol] = now
		if !isExit {
			g.dailyCount[symbol]++
		}
		delete(g.failures, symbol)
		return
	}

	g.failures[symbol]++
	attrs := []any{
		slog.String("symbol", symbol),
		slog.String("signature", signature),
		slog.Int("consecutive_failures", g.failures[symbol]),
	}
	if attemptErr != nil {
		attrs = append(attrs, slog.String("error", attemptErr.Error()))
	}
	if g.failures[symbol] >= g.cfg.BanThreshold {
		until := now.Add(time.Duration(g.cfg.BanSeconds) * time.Second)
		g.bannedUntil[symbol] = until
		delete(g.failures, symbol)
		g.logger.Warn("symbol banned after consecutive failures", append(attrs, slog.Time("until", until))...)
		return
	}
	g.logger.Warn("submission failure recorded", attrs...)
}

// Banned reports whether the symbol is currently banned.
func (g *Gate) Banned(symbol string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	until, ok := g.bannedUntil[symbol]
	return ok && g.now().Before(until)
}

// Snapshot returns a copy of the gate's current counters for status
// reporting. The returned maps are owned by the caller.
func (g *Gate) Snapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.rollDayLocked(now)

	snap := Snapshot{
		Day:           g.day,
		OrdersToday:   g.ordersToday,
		DailyCounts:   make(map[string]int, len(g.dailyCount)),
		BannedSymbols: make(map[string]time.Time),
		FailureCounts: make(map[string]int, len(g.failures)),
	}
	for sym, n := range g.dailyCount {
		snap.DailyCounts[sym] = n
	}
	for sym, until := range g.bannedUntil {
		if now.Before(until) {
			snap.BannedSymbols[sym] = until
		}
	}
	for sym, n := range g.failures {
		snap.FailureCounts[sym] = n
	}
	for _, at := range g.seen {
		if now.Sub(at) < time.Duration(g.cfg.DedupWindowSeconds)*time.Second {
			snap.PendingSignals++
		}
	}
	return snap
}

// Cleanup drops expired dedup signatures and bans. Call it periodically to
// bound memory growth.
func (g *Gate) Cleanup() {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	window := time.Duration(g.cfg.DedupWindowSeconds) * time.Second
	for sig, at := range g.seen {
		if now.Sub(at) >= window {
			delete(g.seen, sig)
		}
	}
	for sym, until := range g.bannedUntil {
		if !now.Before(until) {
			delete(g.bannedUntil, sym)
		}
	}
}

// rollDayLocked resets the daily state when the market-local date changes.
// Caller must hold g.mu.
func (g *Gate) rollDayLocked(now time.Time) {
	day := now.In(marketTZ).Format("2006-01-02")
	if day == g.day {
		return
	}
	g.day = day
	g.lastTrade = make(map[string]time.Time)
	g.dailyCount = make(map[string]int)
	g.ordersToday = 0
	g.minuteCount = 0
	g.secondCount = 0
}
