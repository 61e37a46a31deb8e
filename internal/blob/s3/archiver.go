package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// BlobWriter is the narrow upload interface the archiver needs.
type BlobWriter interface {
	Put(ctx context.Context, path string, data io.Reader, contentType string) error
}

// TradeArchiveStore provides read access to trades for archival.
type TradeArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Trade, error)
}

// OrderArchiveStore provides read access to order attempts for archival.
type OrderArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.OrderAttempt, error)
}

// Archiver serializes historical order attempts and trades to JSONL and
// uploads them to object storage, partitioned by the cutoff's year-month.
//
// Archived rows are not deleted from the primary store here; purging is a
// separate step run after the archive has been verified.
type Archiver struct {
	writer BlobWriter
	trades TradeArchiveStore
	orders OrderArchiveStore
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver.
func NewArchiver(writer BlobWriter, trades TradeArchiveStore, orders OrderArchiveStore, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		trades: trades,
		orders: orders,
		audit:  audit,
	}
}

// ArchiveTrades uploads all trades executed before the cutoff to
// archive/trades/YYYY-MM.jsonl and records the event in the audit log.
// It returns the number of archived records.
func (a *Archiver) ArchiveTrades(ctx context.Context, before time.Time) (int64, error) {
	trades, err := a.trades.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades query: %w", err)
	}
	if len(trades) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(trades)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive trades marshal: %w", err)
	}

	path := archivePath("trades", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive trades upload: %w", err)
	}

	count := int64(len(trades))

	if err := a.audit.Log(ctx, "archive.trades", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive trades audit log: %w", err)
	}

	return count, nil
}

// ArchiveOrders uploads all order attempts created before the cutoff to
// archive/orders/YYYY-MM.jsonl and records the event in the audit log.
// It returns the number of archived records.
func (a *Archiver) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	attempts, err := a.orders.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(attempts) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(attempts)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(attempts))

	if err := a.audit.Log(ctx, "archive.orders", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive orders audit log: %w", err)
	}

	return count, nil
}

// archivePath builds the object key for an archive file.
//
//	archive/trades/2026-08.jsonl
//	archive/orders/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises records as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
