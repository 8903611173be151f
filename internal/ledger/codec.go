package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vnmchuo/usage-meter/internal/stats"
)

// wireRecord is the flat on-disk layout shared by the file and Redis stores.
type wireRecord struct {
	InputTokens  *int64       `json:"input_tokens"`
	OutputTokens *int64       `json:"output_tokens"`
	TotalCost    *jsonDecimal `json:"total_cost"`
	NewBalance   *jsonDecimal `json:"new_balance"`
	ElapsedTime  *float64     `json:"elapsed_time,omitempty"`
	TokensPerSec *float64     `json:"tokens_per_sec,omitempty"`
}

// jsonDecimal writes a bare JSON number instead of decimal's quoted string.
type jsonDecimal struct {
	decimal.Decimal
}

func (d jsonDecimal) MarshalJSON() ([]byte, error) {
	return []byte(d.Decimal.String()), nil
}

func (d *jsonDecimal) UnmarshalJSON(b []byte) error {
	return d.Decimal.UnmarshalJSON(b)
}

func encodeRecord(r stats.Record) ([]byte, error) {
	w := wireRecord{
		InputTokens:  &r.InputTokens,
		OutputTokens: &r.OutputTokens,
		TotalCost:    &jsonDecimal{r.TotalCost},
		NewBalance:   &jsonDecimal{r.NewBalance},
	}
	if secs, ok := r.ElapsedSeconds(); ok {
		w.ElapsedTime = &secs
	}
	if tps, ok := r.TokensPerSecond(); ok {
		w.TokensPerSec = &tps
	}
	return json.MarshalIndent(w, "", "    ")
}

func decodeRecord(data []byte) (stats.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return stats.Record{}, fmt.Errorf("malformed record: %w", err)
	}

	var missing []string
	if w.InputTokens == nil {
		missing = append(missing, "input_tokens")
	}
	if w.OutputTokens == nil {
		missing = append(missing, "output_tokens")
	}
	if w.TotalCost == nil {
		missing = append(missing, "total_cost")
	}
	if w.NewBalance == nil {
		missing = append(missing, "new_balance")
	}
	if len(missing) > 0 {
		return stats.Record{}, fmt.Errorf("malformed record: missing %v", missing)
	}
	if *w.InputTokens < 0 || *w.OutputTokens < 0 {
		return stats.Record{}, errors.New("malformed record: negative token count")
	}

	var elapsed time.Duration
	timed := w.ElapsedTime != nil
	if timed {
		secs := *w.ElapsedTime
		if secs < 0 || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return stats.Record{}, fmt.Errorf("malformed record: elapsed_time %v", secs)
		}
		elapsed = secondsToDuration(secs)
	}

	return stats.NewRecord(*w.InputTokens, *w.OutputTokens,
		w.TotalCost.Decimal, w.NewBalance.Decimal, elapsed, timed), nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(math.Round(secs * float64(time.Second)))
}
