package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// TickSink receives last traded prices from the feed.
type TickSink interface {
	SetPrice(ctx context.Context, symbol string, ltp float64, ts time.Time) error
}

// CacheFeeder pipes ticks from the websocket feed into the tick cache so
// the dispatcher and watchers always read the latest mark.
type CacheFeeder struct {
	ws     *WSClient
	sink   TickSink
	logger *slog.Logger

	ticks chan domain.Tick
}

// NewCacheFeeder creates a CacheFeeder and registers it on the client.
func NewCacheFeeder(ws *WSClient, sink TickSink, logger *slog.Logger) *CacheFeeder {
	f := &CacheFeeder{
		ws:     ws,
		sink:   sink,
		logger: logger.With(slog.String("component", "cache_feeder")),
		ticks:  make(chan domain.Tick, 1024),
	}
	ws.OnTick(f.enqueue)
	return f
}

// enqueue hands a tick to the run loop without blocking the read loop.
// Ticks are dropped under backpressure; only the latest mark matters.
func (f *CacheFeeder) enqueue(t domain.Tick) {
	select {
	case f.ticks <- t:
	default:
	}
}

// Run consumes ticks and writes them into the sink until ctx is cancelled.
func (f *CacheFeeder) Run(ctx context.Context) error {
	f.logger.Info("cache feeder started")
	defer f.logger.Info("cache feeder stopped")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-f.ticks:
			if err := f.sink.SetPrice(ctx, t.Symbol, t.LastPrice, t.Timestamp); err != nil {
				f.logger.Debug("cache feeder write failed",
					slog.String("symbol", t.Symbol),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
