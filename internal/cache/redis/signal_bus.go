package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/mkotak/algodispatch/internal/domain"
)

// signalStream is the Redis stream strategy processes append signals to.
const signalStream = "signals"

// streamMaxLen caps the signal stream, enforced via XADD MAXLEN ~.
const streamMaxLen int64 = 10000

// StreamSignal pairs a decoded signal with its stream entry id, which the
// consumer passes back as lastID to resume after the entry.
type StreamSignal struct {
	ID     string
	Signal domain.Signal
}

// SignalBus carries trade signals from strategy processes to the engine
// over a durable Redis stream.
type SignalBus struct {
	rdb *redis.Client
}

// NewSignalBus creates a SignalBus backed by the given Client.
func NewSignalBus(c *Client) *SignalBus {
	return &SignalBus{rdb: c.Underlying()}
}

// Publish appends a signal to the stream using XADD with approximate
// trimming.
func (sb *SignalBus) Publish(ctx context.Context, sig domain.Signal) error {
	payload, err := json.Marshal(sig)
	if err != nil {
		return fmt.Errorf("redis: marshal signal %s: %w", sig.ID, err)
	}

	args := &redis.XAddArgs{
		Stream: signalStream,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{
			"payload": payload,
		},
	}
	if err := sb.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("redis: stream append %s: %w", signalStream, err)
	}
	return nil
}

// Read returns up to count signals appended after lastID, blocking up to
// the context deadline for new entries. Use "$" as lastID to read only
// signals published after the call, "0" to replay from the beginning. An
// empty result is not an error. Entries whose payload fails to decode are
// skipped.
func (sb *SignalBus) Read(ctx context.Context, lastID string, count int) ([]StreamSignal, error) {
	args := &redis.XReadArgs{
		Streams: []string{signalStream, lastID},
		Count:   int64(count),
		Block:   0,
	}

	results, err := sb.rdb.XRead(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("redis: stream read %s: %w", signalStream, err)
	}

	var signals []StreamSignal
	for _, s := range results {
		for _, msg := range s.Messages {
			payload, ok := msg.Values["payload"]
			if !ok {
				continue
			}

			var data []byte
			switch v := payload.(type) {
			case string:
				data = []byte(v)
			case []byte:
				data = v
			default:
				continue
			}

			var sig domain.Signal
			if err := json.Unmarshal(data, &sig); err != nil {
				continue
			}
			signals = append(signals, StreamSignal{ID: msg.ID, Signal: sig})
		}
	}

	return signals, nil
}
