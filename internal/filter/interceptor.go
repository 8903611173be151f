// Package filter meters a conversation turn: Gate checks the user's balance
// with the billing authority before the turn runs, Finalize charges the
// completed turn, reports the usage line and stores it for later queries.
package filter

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/billing"
	"github.com/vnmchuo/usage-meter/internal/conversation"
	"github.com/vnmchuo/usage-meter/internal/ledger"
	"github.com/vnmchuo/usage-meter/internal/stats"
	"github.com/vnmchuo/usage-meter/internal/status"
)

var ErrInsufficientBalance = errors.New("insufficient balance")

// HostError is returned to the host when a turn must be blocked or its
// billing failed. Message is localized and fit for display.
type HostError struct {
	Message string
	Err     error
}

func (e *HostError) Error() string {
	return e.Message
}

func (e *HostError) Unwrap() error {
	return e.Err
}

// Gateway is the billing authority as seen by the interceptor.
type Gateway interface {
	Reserve(ctx context.Context, user conversation.UserContext, body json.RawMessage) (*billing.ReserveResult, error)
	Finalize(ctx context.Context, user conversation.UserContext, body json.RawMessage) (*billing.FinalizeResult, error)
}

// Turn is what the host hands over on each phase: its opaque payload and
// its user object.
type Turn struct {
	Body json.RawMessage
	User map[string]any
}

type Options struct {
	Toggles stats.Toggles
	Locale  stats.Locale
}

type Interceptor struct {
	gateway Gateway
	ledger  ledger.Store
	toggles stats.Toggles
	locale  stats.Locale
	tracer  trace.Tracer
	log     *zap.Logger
	now     func() time.Time
}

func New(gateway Gateway, store ledger.Store, opts Options, tracer trace.Tracer, log *zap.Logger) *Interceptor {
	return &Interceptor{
		gateway: gateway,
		ledger:  store,
		toggles: opts.Toggles,
		locale:  opts.Locale,
		tracer:  tracer,
		log:     log,
		now:     time.Now,
	}
}

// Gate runs before the turn. The returned session is always non-nil and
// must be passed to Finalize. A non-nil error means the turn must not run;
// a rejected API key is not an error and lets the turn through.
func (i *Interceptor) Gate(ctx context.Context, turn Turn) (*TurnSession, error) {
	sess := &TurnSession{
		ID:        uuid.New().String(),
		StartedAt: i.now(),
		State:     StateGated,
	}

	ctx, span := i.tracer.Start(ctx, "meter.gate")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", sess.ID))

	user, err := conversation.FlattenUser(turn.User)
	if err != nil {
		return sess, i.fail(span, &HostError{Message: i.locale.Text(stats.MsgStatusError, err.Error()), Err: err})
	}

	res, err := i.gateway.Reserve(ctx, user, turn.Body)
	if errors.Is(err, billing.ErrUnauthorized) {
		i.log.Debug("billing api key rejected at gate, letting turn through", zap.String("session_id", sess.ID))
		sess.Unauthenticated = true
		sess.State = StateActive
		span.SetAttributes(attribute.String("outcome", "unauthorized"))
		return sess, nil
	}
	if err != nil {
		i.log.Warn("gate failed", zap.String("session_id", sess.ID), zap.Error(err))
		return sess, i.fail(span, i.billingError(err))
	}

	sess.Balance = res.Balance
	if res.Balance.Sign() <= 0 {
		sess.Outage = true
		sess.State = StateOutageBlocked
		i.log.Info("turn blocked for insufficient balance",
			zap.String("session_id", sess.ID), zap.String("balance", res.Balance.String()))
		msg := i.locale.Text(stats.MsgInsufficientBalance, res.Balance.StringFixed(4))
		return sess, i.fail(span, &HostError{Message: msg, Err: ErrInsufficientBalance})
	}

	sess.State = StateActive
	span.SetAttributes(attribute.String("outcome", "active"))
	return sess, nil
}

// Finalize runs after the turn produced its response and always returns
// the payload unchanged. A session that did not pass the gate, or was
// already finalized, skips billing entirely.
// sess may be nil when the gate phase was never observed; the record is
// then written without timing. Billing failures are reported through the
// status surface and returned as a *HostError, but never withhold the
// payload.
func (i *Interceptor) Finalize(ctx context.Context, sess *TurnSession, turn Turn, reporter status.Reporter) (json.RawMessage, error) {
	body := turn.Body
	if sess != nil && sess.State != StateActive {
		i.log.Debug("skipping finalize", zap.String("session_id", sess.ID), zap.Stringer("state", sess.State))
		return body, nil
	}
	if sess != nil {
		defer func() { sess.State = StateFinalized }()
	}

	ctx, span := i.tracer.Start(ctx, "meter.finalize")
	defer span.End()
	if sess != nil {
		span.SetAttributes(attribute.String("session_id", sess.ID))
	}

	user, err := conversation.FlattenUser(turn.User)
	if err != nil {
		herr := &HostError{Message: i.locale.Text(stats.MsgStatusError, err.Error()), Err: err}
		i.emit(ctx, reporter, herr.Message)
		return body, i.fail(span, herr)
	}

	res, err := i.gateway.Finalize(ctx, user, body)
	if errors.Is(err, billing.ErrUnauthorized) {
		span.SetAttributes(attribute.String("outcome", "unauthorized"))
		i.emit(ctx, reporter, i.locale.Text(stats.MsgAPIKeyInvalid))
		return body, nil
	}
	if err != nil {
		i.log.Warn("finalize failed", zap.Error(err))
		herr := i.billingError(err)
		i.emit(ctx, reporter, i.locale.Text(stats.MsgStatusError, herr.Message))
		return body, i.fail(span, herr)
	}

	elapsed, timed := i.elapsed(sess)
	rec := stats.NewRecord(res.InputTokens, res.OutputTokens, res.TotalCost, res.NewBalance, elapsed, timed)
	if line := stats.Format(rec, i.toggles, i.locale); line != "" {
		i.emit(ctx, reporter, line)
	}

	key, err := conversation.LastAssistantTurnID(body)
	if err != nil {
		i.log.Warn("no turn key in payload, usage record not saved", zap.Error(err))
		span.SetAttributes(attribute.String("outcome", "no_turn_key"))
		i.emit(ctx, reporter, i.locale.Text(stats.MsgNoMessageID))
		return body, nil
	}
	span.SetAttributes(attribute.String("turn_key", key))

	if err := i.ledger.Write(ctx, key, rec); err != nil {
		i.log.Error("failed to save usage record", zap.String("turn_key", key), zap.Error(err))
		span.RecordError(err)
		span.SetAttributes(attribute.String("outcome", "record_save_failed"))
		i.emit(ctx, reporter, i.locale.Text(stats.MsgRecordSaveFailed, err))
		return body, nil
	}

	span.SetAttributes(attribute.String("outcome", "recorded"))
	return body, nil
}

func (i *Interceptor) elapsed(sess *TurnSession) (time.Duration, bool) {
	if sess == nil || sess.StartedAt.IsZero() {
		return 0, false
	}
	d := i.now().Sub(sess.StartedAt)
	if d < 0 {
		d = 0
	}
	return d, true
}

func (i *Interceptor) billingError(err error) *HostError {
	var declined *billing.DeclinedError
	if errors.As(err, &declined) {
		msg := declined.Message
		if msg == "" {
			msg = i.locale.Text(stats.MsgUnknownError)
		}
		return &HostError{Message: i.locale.Text(stats.MsgRequestFailed, declined.Type, msg), Err: err}
	}
	return &HostError{Message: i.locale.Text(stats.MsgNetworkRequestFailed, err), Err: err}
}

func (i *Interceptor) fail(span trace.Span, herr *HostError) error {
	span.RecordError(herr.Err)
	span.SetStatus(codes.Error, herr.Message)
	return herr
}

func (i *Interceptor) emit(ctx context.Context, reporter status.Reporter, description string) {
	if err := status.Emit(ctx, reporter, description); err != nil {
		i.log.Warn("failed to emit status", zap.Error(err))
	}
}
