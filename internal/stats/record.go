package stats

import (
	"time"

	"github.com/shopspring/decimal"
)

// Record is the usage summary of one finalized turn. It is built once from a
// billing authority response plus a locally measured duration and is passed
// around by value.
type Record struct {
	InputTokens  int64
	OutputTokens int64
	TotalCost    decimal.Decimal
	NewBalance   decimal.Decimal

	// Elapsed is only meaningful when Timed is true.
	Elapsed time.Duration
	Timed   bool
}

// NewRecord builds a Record. Pass timed=false when no start time was captured.
func NewRecord(inputTokens, outputTokens int64, totalCost, newBalance decimal.Decimal, elapsed time.Duration, timed bool) Record {
	if elapsed < 0 {
		elapsed = 0
	}
	if !timed {
		elapsed = 0
	}
	return Record{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		TotalCost:    totalCost,
		NewBalance:   newBalance,
		Elapsed:      elapsed,
		Timed:        timed,
	}
}

// ElapsedSeconds returns the elapsed time in seconds and whether it was captured.
func (r Record) ElapsedSeconds() (float64, bool) {
	if !r.Timed {
		return 0, false
	}
	return r.Elapsed.Seconds(), true
}

// TokensPerSecond returns the output throughput. It is absent when the
// elapsed time is absent or zero.
func (r Record) TokensPerSecond() (float64, bool) {
	secs, ok := r.ElapsedSeconds()
	if !ok || secs <= 0 {
		return 0, false
	}
	return float64(r.OutputTokens) / secs, true
}

// Equal reports whether two records carry the same values.
func (r Record) Equal(o Record) bool {
	return r.InputTokens == o.InputTokens &&
		r.OutputTokens == o.OutputTokens &&
		r.TotalCost.Equal(o.TotalCost) &&
		r.NewBalance.Equal(o.NewBalance) &&
		r.Timed == o.Timed &&
		r.Elapsed == o.Elapsed
}
