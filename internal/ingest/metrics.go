package ingest

import (
	"errors"

	"github.com/agentic-research/reseller/internal/graph"
	"github.com/agentic-research/reseller/internal/kimap"
	"github.com/agentic-research/reseller/internal/persist"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Result labels for logsTotal.
const (
	resultApplied        = "applied"
	resultIgnored        = "ignored"
	resultSkipped        = "skipped"
	resultRemoved        = "removed"
	resultDecodeError    = "decode_error"
	resultParentNotFound = "parent_not_found"
	resultDuplicateFact  = "duplicate_fact"
	resultKindMismatch   = "kind_mismatch"
	resultInvalidMint    = "invalid_mint"
	resultPersistError   = "persist_error"
	resultOther          = "error"
)

var (
	logsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "logs_total",
		Help:      "Logs seen by the ingest engine, by outcome.",
	}, []string{"result"})

	snapshotDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "snapshot_duration_seconds",
		Help:      "Time to encode and store one index snapshot.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	sourceRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "source_retries_total",
		Help:      "Failed log source calls that were retried.",
	}, []string{"op"})

	resumes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "resumes_total",
		Help:      "Bootstrap cycles restarted after the live feed failed.",
	})

	indexNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "index_nodes",
		Help:      "Nodes in the namespace index, root included.",
	})

	cursorBlock = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "reseller",
		Subsystem: "kimap",
		Name:      "cursor_block",
		Help:      "Block number of the last processed log.",
	})
)

// resultOf maps an ApplyLog error onto a logsTotal label.
func resultOf(err error) string {
	switch {
	case err == nil:
		return resultApplied
	case errors.Is(err, kimap.ErrDecode):
		return resultDecodeError
	case errors.Is(err, graph.ErrParentNotFound):
		return resultParentNotFound
	case errors.Is(err, graph.ErrDuplicateFact):
		return resultDuplicateFact
	case errors.Is(err, graph.ErrKindMismatch):
		return resultKindMismatch
	case errors.Is(err, graph.ErrInvalidMint):
		return resultInvalidMint
	case errors.Is(err, persist.ErrPersistence):
		return resultPersistError
	default:
		return resultOther
	}
}
