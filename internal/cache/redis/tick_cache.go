package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Compile-time interface check.
var _ domain.PriceFeed = (*TickCache)(nil)

// TickCache stores the last traded price per instrument as a hash at
// "tick:{symbol}" with fields "ltp" and "ts" (Unix nanoseconds). Entries
// expire after the TTL so a stalled feed cannot serve stale marks forever.
type TickCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewTickCache creates a TickCache backed by the given Client. A zero ttl
// disables expiry.
func NewTickCache(c *Client, ttl time.Duration) *TickCache {
	return &TickCache{rdb: c.Underlying(), ttl: ttl}
}

func tickKey(symbol string) string {
	return "tick:" + symbol
}

// SetPrice stores the last traded price for an instrument.
func (tc *TickCache) SetPrice(ctx context.Context, symbol string, ltp float64, ts time.Time) error {
	key := tickKey(symbol)
	fields := map[string]interface{}{
		"ltp": strconv.FormatFloat(ltp, 'f', -1, 64),
		"ts":  strconv.FormatInt(ts.UnixNano(), 10),
	}
	pipe := tc.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	if tc.ttl > 0 {
		pipe.Expire(ctx, key, tc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set tick %s: %w", symbol, err)
	}
	return nil
}

// GetPrice returns the last traded price for an instrument. It returns
// domain.ErrPriceUnavailable when no tick has been cached for the symbol.
func (tc *TickCache) GetPrice(ctx context.Context, symbol string) (float64, error) {
	vals, err := tc.rdb.HGetAll(ctx, tickKey(symbol)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis: get tick %s: %w", symbol, err)
	}
	if len(vals) == 0 {
		return 0, fmt.Errorf("redis: tick %s: %w", symbol, domain.ErrPriceUnavailable)
	}

	ltpStr, ok := vals["ltp"]
	if !ok {
		return 0, fmt.Errorf("redis: tick %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	ltp, err := strconv.ParseFloat(ltpStr, 64)
	if err != nil {
		return 0, fmt.Errorf("redis: parse tick %s: %w", symbol, err)
	}
	return ltp, nil
}

// GetPrices returns cached prices for multiple instruments using a
// pipeline. Symbols with no cached tick are omitted from the result.
func (tc *TickCache) GetPrices(ctx context.Context, symbols []string) (map[string]float64, error) {
	if len(symbols) == 0 {
		return map[string]float64{}, nil
	}

	pipe := tc.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(symbols))
	for _, sym := range symbols {
		cmds[sym] = pipe.HGetAll(ctx, tickKey(sym))
	}

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("redis: get ticks pipeline: %w", err)
	}

	result := make(map[string]float64, len(symbols))
	for sym, cmd := range cmds {
		vals, err := cmd.Result()
		if err != nil || len(vals) == 0 {
			continue
		}
		ltpStr, ok := vals["ltp"]
		if !ok {
			continue
		}
		ltp, err := strconv.ParseFloat(ltpStr, 64)
		if err != nil {
			continue
		}
		result[sym] = ltp
	}

	return result, nil
}
