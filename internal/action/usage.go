// Package action implements the on-demand usage query: the user asks for the
// cost of the latest assistant reply and gets back the stored usage line.
package action

import (
	"context"
	"encoding/json"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/conversation"
	"github.com/vnmchuo/usage-meter/internal/ledger"
	"github.com/vnmchuo/usage-meter/internal/metrics"
	"github.com/vnmchuo/usage-meter/internal/stats"
	"github.com/vnmchuo/usage-meter/internal/status"
)

type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeNoAssistantTurn
	OutcomeNoTurnIdentifier
	OutcomeNoRecord
	OutcomeReadError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNoAssistantTurn:
		return "no_assistant_turn"
	case OutcomeNoTurnIdentifier:
		return "no_turn_identifier"
	case OutcomeNoRecord:
		return "no_record"
	case OutcomeReadError:
		return "read_error"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// Result is the outcome of one query. Description is the line that was
// reported to the user; it is set for every outcome.
type Result struct {
	Outcome     Outcome
	TurnKey     string
	Description string
	Err         error
}

type UsageQuery struct {
	ledger  ledger.Store
	toggles stats.Toggles
	locale  stats.Locale
	tracer  trace.Tracer
	log     *zap.Logger
}

// NewUsageQuery builds the query with its own display settings, separate
// from the ones the filter uses.
func NewUsageQuery(store ledger.Store, toggles stats.Toggles, locale stats.Locale, tracer trace.Tracer, log *zap.Logger) *UsageQuery {
	return &UsageQuery{
		ledger:  store,
		toggles: toggles,
		locale:  locale,
		tracer:  tracer,
		log:     log,
	}
}

// Query looks up the usage record of the last assistant turn in body and
// reports one status line for it. Failures always produce a line.
func (q *UsageQuery) Query(ctx context.Context, body json.RawMessage, reporter status.Reporter) Result {
	ctx, span := q.tracer.Start(ctx, "meter.usage_query")
	defer span.End()

	res := q.lookup(ctx, body)
	metrics.UsageQueries.WithLabelValues(res.Outcome.String()).Inc()
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()))
	if res.TurnKey != "" {
		span.SetAttributes(attribute.String("turn_key", res.TurnKey))
	}
	if res.Err != nil {
		span.RecordError(res.Err)
	}

	// An OK result with every toggle off has nothing to show.
	if res.Description == "" {
		return res
	}
	if err := status.Emit(ctx, reporter, res.Description); err != nil {
		q.log.Warn("failed to emit status", zap.Error(err))
	}
	return res
}

func (q *UsageQuery) lookup(ctx context.Context, body json.RawMessage) Result {
	key, err := conversation.LastAssistantTurnID(body)
	switch {
	case errors.Is(err, conversation.ErrNoTurnIdentifier):
		return Result{Outcome: OutcomeNoTurnIdentifier, Description: q.locale.Text(stats.MsgNoMessageID), Err: err}
	case err != nil:
		return Result{Outcome: OutcomeNoAssistantTurn, Description: q.locale.Text(stats.MsgNoAssistantMessage), Err: err}
	}

	rec, err := q.ledger.Read(ctx, key)
	if errors.Is(err, ledger.ErrNotFound) {
		return Result{Outcome: OutcomeNoRecord, TurnKey: key, Description: q.locale.Text(stats.MsgRecordNotFound)}
	}
	if err != nil {
		q.log.Error("failed to read usage record", zap.String("turn_key", key), zap.Error(err))
		return Result{Outcome: OutcomeReadError, TurnKey: key, Description: q.locale.Text(stats.MsgRecordReadFailed, err), Err: err}
	}

	return Result{Outcome: OutcomeOK, TurnKey: key, Description: stats.Format(rec, q.toggles, q.locale)}
}
