// Package batch resolves a symbol list in fixed size batches with a pause
// between them, so upstream per-minute limits are respected.
package batch

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"marketfeed/internal/provider"
)

// QuoteResolver is the subset of resolver.Resolver the scheduler needs.
type QuoteResolver interface {
	Resolve(ctx context.Context, symbol string, market provider.Market) provider.Quote
}

// Batch is handed to the callback after each batch completes. Quotes are
// keyed by provider.Symbol.Key, the same keys the quote cache uses.
type Batch struct {
	Index  int                       `json:"index"`
	Total  int                       `json:"total"`
	Quotes map[string]provider.Quote `json:"quotes"`
}

type Scheduler struct {
	resolver QuoteResolver
	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

func New(r QuoteResolver) *Scheduler {
	return &Scheduler{resolver: r, sleep: sleepCtx}
}

// Chunk splits symbols into consecutive groups of at most size.
func Chunk[T any](xs []T, size int) [][]T {
	if size <= 0 || len(xs) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(xs)+size-1)/size)
	for i := 0; i < len(xs); i += size {
		j := min(i+size, len(xs))
		out = append(out, xs[i:j])
	}
	return out
}

// Run resolves symbols batch by batch. Members of a batch run concurrently;
// batch k+1 never starts before batch k has finished and delay has elapsed.
// onBatch may be nil. Cancellation is checked before every batch and during
// the pause; the quotes gathered so far are returned with ctx.Err().
func (s *Scheduler) Run(ctx context.Context, symbols []provider.Symbol, batchSize int, delay time.Duration, onBatch func(Batch)) (map[string]provider.Quote, error) {
	if batchSize <= 0 {
		return nil, provider.ConfigErr("batch", "batch_size", "must be positive")
	}
	if delay < 0 {
		return nil, provider.ConfigErr("batch", "delay", "must not be negative")
	}

	all := make(map[string]provider.Quote, len(symbols))
	chunks := Chunk(symbols, batchSize)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return all, err
		}

		var (
			mu  sync.Mutex
			got = make(map[string]provider.Quote, len(chunk))
			g   errgroup.Group
		)
		for _, sym := range chunk {
			g.Go(func() error {
				q := s.resolver.Resolve(ctx, sym.Symbol, sym.Market)
				mu.Lock()
				got[sym.Key()] = q
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		for k, q := range got {
			all[k] = q
		}
		if onBatch != nil {
			onBatch(Batch{Index: i, Total: len(chunks), Quotes: got})
		}

		if i < len(chunks)-1 && delay > 0 {
			if err := s.sleep(ctx, delay); err != nil {
				return all, err
			}
		}
	}
	return all, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
