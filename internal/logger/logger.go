// Package logger implements a non-blocking, batched audit logger.
//
// Audit entries are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 entries), new entries are dropped
// and counted in DroppedLogs.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// AuditLog is one request's audit trail entry: routing decisions, guard
// outcomes, repairs, and usage accounting.
type AuditLog struct {
	ID         uuid.UUID
	RequestID  string
	Kind       string
	Model      string
	Vendor     string
	EndpointID string

	SessionKey string
	Sequence   int64

	Status        uint16
	LatencyMs     uint32
	Attempts      uint8
	InterceptedBy string

	FixApplied bool
	FixDetails string

	InputTokens         uint32
	OutputTokens        uint32
	CacheReadTokens     uint32
	CacheCreationTokens uint32
	CacheEstimated      bool

	CreatedAt time.Time
}

type Logger struct {
	ch        chan AuditLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

func New(ctx context.Context, slogger *slog.Logger) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan AuditLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

func (l *Logger) Log(entry AuditLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]AuditLog, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			attrs := []any{
				slog.String("id", e.ID.String()),
				slog.String("request_id", e.RequestID),
				slog.String("kind", e.Kind),
				slog.String("model", e.Model),
				slog.String("vendor", e.Vendor),
				slog.String("endpoint", e.EndpointID),
				slog.String("session", e.SessionKey),
				slog.Int64("sequence", e.Sequence),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("attempts", uint64(e.Attempts)),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			}
			if e.InterceptedBy != "" {
				attrs = append(attrs, slog.String("intercepted_by", e.InterceptedBy))
			}
			if e.FixApplied {
				attrs = append(attrs, slog.Bool("fix_applied", true), slog.String("fix_details", e.FixDetails))
			}
			if e.InputTokens+e.OutputTokens > 0 {
				attrs = append(attrs,
					slog.Uint64("input_tokens", uint64(e.InputTokens)),
					slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				)
			}
			if e.CacheEstimated {
				attrs = append(attrs,
					slog.Uint64("cache_read_tokens", uint64(e.CacheReadTokens)),
					slog.Uint64("cache_creation_tokens", uint64(e.CacheCreationTokens)),
					slog.Bool("cache_estimated", true),
				)
			}
			l.log.InfoContext(ctx, "audit", attrs...)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
