// Package requestlog implements the async Request Log writer (spec.md §3,
// §4.9 step 10): every proxied request is recorded best-effort, batched and
// flushed off the request's hot path.
package requestlog

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wisbric/gateway/internal/model"
	"github.com/wisbric/gateway/internal/telemetry"
)

const (
	defaultBufferSize = 1024
	flushInterval     = 2 * time.Second
	flushBatch        = 128
)

// Writer is an async, buffered request log writer backed by Postgres.
type Writer struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	entries chan model.RequestLog
	wg      sync.WaitGroup
}

// NewWriter creates a Writer. Call Start to begin flushing. queueSize
// bounds how many entries may be buffered before Log starts dropping; a
// value <= 0 falls back to defaultBufferSize.
func NewWriter(pool *pgxpool.Pool, logger *slog.Logger, queueSize int) *Writer {
	if queueSize <= 0 {
		queueSize = defaultBufferSize
	}
	return &Writer{
		pool:    pool,
		logger:  logger,
		entries: make(chan model.RequestLog, queueSize),
	}
}

// Start begins the background flush loop and returns immediately. The loop
// exits once ctx is cancelled (flushing the entries buffered at that point)
// or Close is called.
func (w *Writer) Start(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(ctx)
	}()
}

// Close stops accepting new entries and waits for the flush loop to drain.
func (w *Writer) Close() {
	close(w.entries)
	w.wg.Wait()
}

// Log enqueues entry for async writing. It never blocks the caller; if the
// buffer is full the entry is dropped and RequestLogDroppedTotal is
// incremented, matching spec.md §4.9's "logging never slows the response"
// requirement.
func (w *Writer) Log(entry model.RequestLog) {
	select {
	case w.entries <- entry:
	default:
		telemetry.RequestLogDroppedTotal.Inc()
		w.logger.Warn("request log buffer full, dropping entry",
			"request_id", entry.RequestID, "route_id", entry.RouteID)
	}
}

func (w *Writer) run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.RequestLog, 0, flushBatch)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		w.flush(batch)
		batch = batch[:0]
	}

	for {
		select {
		case entry, ok := <-w.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, entry)
			if len(batch) >= flushBatch {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			for {
				select {
				case entry, ok := <-w.entries:
					if !ok {
						flush()
						return
					}
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}

// flush writes a batch with a single pgx CopyFrom (COPY protocol) call,
// trading per-row round trips for one bulk write.
func (w *Writer) flush(entries []model.RequestLog) {
	flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []any{
			e.RequestID, nullableUUID(e.APIKeyID), nullableUUID(e.RouteID), e.Method, e.Path,
			e.Status, e.LatencyMS, string(e.CacheStatus), e.ErrorType, e.At,
		})
	}

	_, err := w.pool.CopyFrom(
		flushCtx,
		pgx.Identifier{"request_logs"},
		[]string{"request_id", "api_key_id", "route_id", "method", "path",
			"status", "latency_ms", "cache_status", "error_type", "at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		w.logger.Error("flushing request log batch", "error", err, "count", len(entries))
	}
}

// nullableUUID maps an empty string (an API key or route that was never
// resolved, e.g. missing_api_key/invalid_api_key/no_route outcomes) to SQL
// NULL instead of the empty string pgx cannot encode into a uuid column.
func nullableUUID(id string) any {
	if id == "" {
		return nil
	}
	return id
}
