// Package audit keeps the trail of every attempted pixel for moderation.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Entry is one attempted pixel.
type Entry struct {
	Time   time.Time
	IP     string
	UserID int64
	Canvas uint8
	X, Y   int
	Z      int
	Color  uint8
}

// Sink accepts entries without blocking the caller.
type Sink interface {
	Record(entries ...Entry)
}

// Nop discards entries.
type Nop struct{}

func (Nop) Record(...Entry) {}

var columns = []string{"created_at", "ip", "user_id", "canvas_id", "x", "y", "z", "color"}

// Copier is the subset of pgxpool.Pool the writer needs.
type Copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

var _ Copier = (*pgxpool.Pool)(nil)

// Writer buffers entries and flushes them to pixel_log in batches.
type Writer struct {
	db        Copier
	logger    zerolog.Logger
	batchSize int
	interval  time.Duration

	in   chan Entry
	done chan struct{}
}

func NewWriter(db Copier, batchSize int, interval time.Duration, logger zerolog.Logger) *Writer {
	if batchSize <= 0 {
		batchSize = 500
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Writer{
		db:        db,
		logger:    logger.With().Str("component", "audit").Logger(),
		batchSize: batchSize,
		interval:  interval,
		in:        make(chan Entry, batchSize*8),
		done:      make(chan struct{}),
	}
}

// Record queues entries. When the queue is full the entries are dropped and
// a warning is logged; placement never waits on the audit trail.
func (w *Writer) Record(entries ...Entry) {
	dropped := 0
	for _, e := range entries {
		select {
		case w.in <- e:
		default:
			dropped++
		}
	}
	if dropped > 0 {
		w.logger.Warn().Int("dropped", dropped).Msg("audit queue full")
	}
}

// Run flushes until ctx is cancelled, then drains what is queued.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	batch := make([]Entry, 0, w.batchSize)
	for {
		select {
		case e := <-w.in:
			batch = append(batch, e)
			if len(batch) >= w.batchSize {
				batch = w.flush(batch)
			}
		case <-ticker.C:
			batch = w.flush(batch)
		case <-ctx.Done():
			for {
				select {
				case e := <-w.in:
					batch = append(batch, e)
				default:
					w.flush(batch)
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (w *Writer) Wait() { <-w.done }

func (w *Writer) flush(batch []Entry) []Entry {
	if len(batch) == 0 {
		return batch
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	n, err := w.db.CopyFrom(ctx, pgx.Identifier{"pixel_log"}, columns, pgx.CopyFromSlice(len(batch), func(i int) ([]any, error) {
		e := batch[i]
		return []any{e.Time, e.IP, e.UserID, int16(e.Canvas), e.X, e.Y, e.Z, int16(e.Color)}, nil
	}))
	if err != nil {
		w.logger.Error().Err(err).Int("entries", len(batch)).Msg("audit flush failed")
	} else {
		w.logger.Debug().Int64("rows", n).Msg("audit flushed")
	}
	return batch[:0]
}
