package feed

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkotak/algodispatch/internal/domain"
)

func collectTicks(w *WSClient) *[]domain.Tick {
	var (
		mu    sync.Mutex
		ticks []domain.Tick
	)
	w.OnTick(func(t domain.Tick) {
		mu.Lock()
		defer mu.Unlock()
		ticks = append(ticks, t)
	})
	return &ticks
}

func TestHandleMessage_SingleTick(t *testing.T) {
	w := NewWSClient("ws://unused")
	ticks := collectTicks(w)

	w.handleMessage([]byte(`{"tradingsymbol":"RELIANCE","last_price":2950.5,"exchange_timestamp":1756363500}`))

	require.Len(t, *ticks, 1)
	tick := (*ticks)[0]
	assert.Equal(t, "RELIANCE", tick.Symbol)
	assert.Equal(t, 2_950.5, tick.LastPrice)
	assert.Equal(t, int64(1756363500), tick.Timestamp.Unix())
}

func TestHandleMessage_Batch(t *testing.T) {
	w := NewWSClient("ws://unused")
	ticks := collectTicks(w)

	w.handleMessage([]byte(`[
		{"tradingsymbol":"NIFTY-I","last_price":24510,"exchange_timestamp":1756363500},
		{"tradingsymbol":"TCS","last_price":4100.25,"exchange_timestamp":1756363501}
	]`))

	require.Len(t, *ticks, 2)
	assert.Equal(t, "NIFTY-I", (*ticks)[0].Symbol)
	assert.Equal(t, "TCS", (*ticks)[1].Symbol)
}

func TestHandleMessage_DropsInvalidTicks(t *testing.T) {
	w := NewWSClient("ws://unused")
	ticks := collectTicks(w)

	w.handleMessage([]byte(`[
		{"tradingsymbol":"","last_price":100},
		{"tradingsymbol":"TCS","last_price":0},
		{"tradingsymbol":"TCS","last_price":-5},
		{"tradingsymbol":"INFY","last_price":1550}
	]`))

	require.Len(t, *ticks, 1)
	assert.Equal(t, "INFY", (*ticks)[0].Symbol)
}

func TestHandleMessage_UnparseableDropped(t *testing.T) {
	w := NewWSClient("ws://unused")
	ticks := collectTicks(w)

	w.handleMessage([]byte(`not json`))
	assert.Empty(t, *ticks)
}

func TestHandleMessage_MissingTimestampDefaultsToNow(t *testing.T) {
	w := NewWSClient("ws://unused")
	ticks := collectTicks(w)

	before := time.Now()
	w.handleMessage([]byte(`{"tradingsymbol":"SBIN","last_price":820}`))

	require.Len(t, *ticks, 1)
	assert.False(t, (*ticks)[0].Timestamp.Before(before))
}

type recordingSink struct {
	mu    sync.Mutex
	marks []string
	err   error
}

func (s *recordingSink) SetPrice(ctx context.Context, symbol string, ltp float64, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.marks = append(s.marks, symbol)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

func TestConnect_ReplacesPingLoop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	w := NewWSClient("ws" + strings.TrimPrefix(srv.URL, "http"))
	defer w.Close()

	require.NoError(t, w.Connect(context.Background()))
	w.mu.RLock()
	first := w.pingStop
	w.mu.RUnlock()
	require.NotNil(t, first)

	// Reconnecting must retire the previous connection's ping loop so
	// writers never accumulate across reconnects.
	require.NoError(t, w.Connect(context.Background()))

	select {
	case <-first:
	default:
		t.Fatal("previous ping loop still running after reconnect")
	}
}

func TestCacheFeeder_WritesTicksToSink(t *testing.T) {
	w := NewWSClient("ws://unused")
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewCacheFeeder(w, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.Run(ctx)
	}()

	w.handleMessage([]byte(`{"tradingsymbol":"RELIANCE","last_price":2950}`))

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestCacheFeeder_DropsUnderBackpressure(t *testing.T) {
	w := NewWSClient("ws://unused")
	sink := &recordingSink{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f := NewCacheFeeder(w, sink, logger)

	// Nothing drains the channel, so pushes past its capacity are dropped
	// instead of blocking the websocket read loop.
	for i := 0; i < 2*cap(f.ticks); i++ {
		f.enqueue(domain.Tick{Symbol: "TCS", LastPrice: 4_100, Timestamp: time.Now()})
	}
	assert.Equal(t, cap(f.ticks), len(f.ticks))
}
