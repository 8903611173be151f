package stats

import "strings"

// Toggles selects which segments of a stats line are displayed.
type Toggles struct {
	Cost         bool `yaml:"show_cost"`
	Balance      bool `yaml:"show_balance"`
	Tokens       bool `yaml:"show_tokens"`
	Elapsed      bool `yaml:"show_elapsed"`
	TokensPerSec bool `yaml:"show_tokens_per_sec"`
}

// AllToggles enables every segment.
func AllToggles() Toggles {
	return Toggles{Cost: true, Balance: true, Tokens: true, Elapsed: true, TokensPerSec: true}
}

// Format renders r as a single status line. Segments appear in the order
// cost, balance, tokens, elapsed time, tokens/sec; a segment is left out when
// its toggle is off or its source value is absent.
func Format(r Record, t Toggles, loc Locale) string {
	segments := make([]string, 0, 5)

	if t.Cost {
		segments = append(segments, loc.Text(MsgCost, r.TotalCost.StringFixed(4)))
	}
	if t.Balance {
		segments = append(segments, loc.Text(MsgBalance, r.NewBalance.StringFixed(4)))
	}
	if t.Tokens {
		segments = append(segments, loc.Text(MsgTokens, r.InputTokens, r.OutputTokens))
	}
	if secs, ok := r.ElapsedSeconds(); ok && t.Elapsed {
		segments = append(segments, loc.Text(MsgTimeSpent, secs))
	}
	if tps, ok := r.TokensPerSecond(); ok && t.TokensPerSec {
		segments = append(segments, loc.Text(MsgTokensPerSec, tps))
	}

	return strings.Join(segments, Separator)
}
