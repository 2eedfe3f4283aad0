// Package ingest drives the namespace index from the contract's log stream:
// it backfills history, then follows the live feed, resuming from the
// persisted cursor whenever the feed breaks.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentic-research/reseller/internal/graph"
	"github.com/agentic-research/reseller/internal/kimap"
	"github.com/agentic-research/reseller/internal/persist"
	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrSource wraps failures of the log source (history fetch or subscribe).
var ErrSource = errors.New("log source error")

// DefaultRetryDelay is the pause between failed source calls.
const DefaultRetryDelay = 5 * time.Second

// liveBuffer is the capacity of the channel handed to the subscription.
const liveBuffer = 256

// Persister stores the index after a successful mutation.
type Persister interface {
	Persist(ctx context.Context, idx *graph.Index) error
}

// Config locates the contract and tunes retries.
type Config struct {
	Address    common.Address
	FirstBlock uint64
	// RetryDelay defaults to DefaultRetryDelay when zero.
	RetryDelay time.Duration
}

// Engine applies contract logs to an index. Only the goroutine running Run
// (or calling ApplyLog) mutates the index.
type Engine struct {
	cfg    Config
	source ethereum.LogFilterer
	index  *graph.Index
	sink   Persister
	logger *slog.Logger
}

// NewEngine wires an engine. sink may be nil, in which case nothing is
// persisted; logger may be nil.
func NewEngine(cfg Config, source ethereum.LogFilterer, idx *graph.Index, sink Persister, logger *slog.Logger) *Engine {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		source: source,
		index:  idx,
		sink:   sink,
		logger: logger.With("component", "ingest"),
	}
}

// Index returns the index the engine mutates.
func (e *Engine) Index() *graph.Index { return e.index }

// Run bootstraps and then follows the live feed until ctx is done. A broken
// subscription starts a new cycle from the cursor. The returned error is
// always the context's.
func (e *Engine) Run(ctx context.Context) error {
	indexNodes.Set(float64(e.index.Len()))
	for {
		err := e.cycle(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resumes.Inc()
		e.logger.Warn("live feed ended, resuming from cursor", "err", err, "cursor_block", e.index.Cursor().Block)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.cfg.RetryDelay):
		}
	}
}

// fromBlock re-reads the cursor's own block: logs in it up to the cursor are
// skipped by ApplyLog, the rest are new.
func (e *Engine) fromBlock() uint64 {
	if c := e.index.Cursor(); c.Set {
		return c.Block
	}
	return e.cfg.FirstBlock
}

// cycle runs one backfill, subscribe, catch-up, follow pass. It returns when
// the subscription fails or ctx is done. History is applied before the
// subscription is attempted, so a source that cannot stream still backfills.
func (e *Engine) cycle(ctx context.Context) error {
	if err := e.backfill(ctx, "history"); err != nil {
		return err
	}

	live := make(chan types.Log, liveBuffer)
	sub, err := e.subscribe(ctx, kimap.Filter(e.cfg.Address, e.fromBlock()), live)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	// Logs emitted while the subscription was being opened. Overlap with the
	// live feed is removed by the cursor.
	if err := e.backfill(ctx, "catch-up"); err != nil {
		return err
	}
	e.logger.Info("bootstrap complete", "nodes", e.index.Len(), "cursor_block", e.index.Cursor().Block)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = errors.New("subscription closed")
			}
			return fmt.Errorf("%w: subscription: %v", ErrSource, err)
		case l := <-live:
			_ = e.ApplyLog(ctx, l)
		}
	}
}

// backfill fetches every log from the cursor on and applies it.
func (e *Engine) backfill(ctx context.Context, stage string) error {
	query := kimap.Filter(e.cfg.Address, e.fromBlock())
	history, err := e.fetchHistory(ctx, query)
	if err != nil {
		return err
	}
	e.logger.Info("history fetched", "stage", stage, "logs", len(history), "from_block", query.FromBlock.Uint64())
	for _, l := range history {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = e.ApplyLog(ctx, l)
	}
	return nil
}

func (e *Engine) retryOptions(op string) []backoff.RetryOption {
	return []backoff.RetryOption{
		backoff.WithBackOff(backoff.NewConstantBackOff(e.cfg.RetryDelay)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			sourceRetries.WithLabelValues(op).Inc()
			e.logger.Warn("log source call failed, retrying", "op", op, "err", err, "retry_in", next)
		}),
	}
}

func (e *Engine) subscribe(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	return backoff.Retry(ctx, func() (ethereum.Subscription, error) {
		sub, err := e.source.SubscribeFilterLogs(ctx, q, ch)
		if err != nil {
			return nil, fmt.Errorf("%w: subscribe: %v", ErrSource, err)
		}
		return sub, nil
	}, e.retryOptions("subscribe")...)
}

// fetchHistory returns the complete history or nothing: a partial result is
// never applied.
func (e *Engine) fetchHistory(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	return backoff.Retry(ctx, func() ([]types.Log, error) {
		logs, err := e.source.FilterLogs(ctx, q)
		if err != nil {
			return nil, fmt.Errorf("%w: fetch history: %v", ErrSource, err)
		}
		return logs, nil
	}, e.retryOptions("fetch")...)
}

// ApplyLog decodes one log and applies it to the index, persisting the index
// when the mutation succeeds. Every error is logged and counted here; the
// returned error is informational and callers keep going.
func (e *Engine) ApplyLog(ctx context.Context, l types.Log) error {
	if l.Removed {
		logsTotal.WithLabelValues(resultRemoved).Inc()
		e.logger.Warn("skipping removed log", "block", l.BlockNumber, "log_index", l.Index, "tx", l.TxHash.Hex())
		return nil
	}
	if e.index.Cursor().Covers(l.BlockNumber, l.Index) {
		logsTotal.WithLabelValues(resultSkipped).Inc()
		return nil
	}

	ev, err := kimap.Decode(l)
	if err == nil && ev == nil {
		e.advance(l)
		logsTotal.WithLabelValues(resultIgnored).Inc()
		return nil
	}
	if err == nil {
		err = e.apply(ev)
	}
	e.advance(l)
	if err != nil {
		logsTotal.WithLabelValues(resultOf(err)).Inc()
		e.logFailure(l, ev, err)
		return err
	}

	if err := e.persist(ctx); err != nil {
		logsTotal.WithLabelValues(resultPersistError).Inc()
		e.logFailure(l, ev, err)
		return err
	}
	logsTotal.WithLabelValues(resultApplied).Inc()
	indexNodes.Set(float64(e.index.Len()))
	return nil
}

func (e *Engine) apply(ev kimap.Event) error {
	switch ev := ev.(type) {
	case kimap.Mint:
		return e.index.ApplyMint(ev.ParentHash, ev.ChildHash, ev.Label)
	case kimap.Note:
		return e.index.ApplyNote(ev.ParentHash, ev.Label, ev.Data)
	case kimap.Fact:
		return e.index.ApplyFact(ev.ParentHash, ev.Label, ev.Data)
	default:
		return fmt.Errorf("unexpected event %T", ev)
	}
}

func (e *Engine) advance(l types.Log) {
	e.index.SetCursor(graph.Cursor{Block: l.BlockNumber, LogIndex: l.Index, Set: true})
	cursorBlock.Set(float64(l.BlockNumber))
}

func (e *Engine) persist(ctx context.Context) error {
	if e.sink == nil {
		return nil
	}
	start := time.Now()
	err := e.sink.Persist(ctx, e.index)
	snapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil && !errors.Is(err, persist.ErrPersistence) {
		err = fmt.Errorf("%w: %v", persist.ErrPersistence, err)
	}
	return err
}

func (e *Engine) logFailure(l types.Log, ev kimap.Event, err error) {
	attrs := []any{"block", l.BlockNumber, "log_index", l.Index, "err", err}
	switch ev := ev.(type) {
	case kimap.Mint:
		attrs = append(attrs, "event", ev.Kind(), "namehash", ev.ChildHash.Hex(), "parent", ev.ParentHash.Hex(), "label", ev.Label)
	case kimap.Note:
		attrs = append(attrs, "event", ev.Kind(), "namehash", ev.ParentHash.Hex(), "label", ev.Label)
	case kimap.Fact:
		attrs = append(attrs, "event", ev.Kind(), "namehash", ev.ParentHash.Hex(), "label", ev.Label)
	}
	e.logger.Error("dropping log", attrs...)
}
