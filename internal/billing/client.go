package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/conversation"
	"github.com/vnmchuo/usage-meter/internal/metrics"
)

const (
	opInlet  = "inlet"
	opOutlet = "outlet"

	defaultErrorType = "UNKNOWN_ERROR"
	maxResponseBytes = 1 << 20
)

type ReserveResult struct {
	Balance decimal.Decimal
}

type FinalizeResult struct {
	InputTokens  int64
	OutputTokens int64
	TotalCost    decimal.Decimal
	NewBalance   decimal.Decimal
}

type Config struct {
	Endpoint string
	APIKey   string
	// Timeout bounds each call; zero means no client-side timeout.
	Timeout time.Duration
	// BreakerFailures consecutive transport failures open the breaker for
	// BreakerCooldown. Zero values pick 5 failures and 30s.
	BreakerFailures uint32
	BreakerCooldown time.Duration
}

// Client talks to the billing authority's inlet and outlet endpoints. Calls
// are never retried.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	log        *zap.Logger
}

type envelope struct {
	User conversation.UserContext `json:"user"`
	Body json.RawMessage          `json:"body"`
}

type reply struct {
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
	ErrorType string `json:"error_type"`

	Balance *decimal.Decimal `json:"balance"`

	InputTokens  *int64           `json:"inputTokens"`
	OutputTokens *int64           `json:"outputTokens"`
	TotalCost    *decimal.Decimal `json:"totalCost"`
	NewBalance   *decimal.Decimal `json:"newBalance"`
}

func NewClient(cfg Config, log *zap.Logger) *Client {
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown == 0 {
		cooldown = 30 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "billing",
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Only transport failures count against the authority, not the
		// caller's own cancellation.
		IsSuccessful: func(err error) bool {
			if errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var unreachable *UnreachableError
			return !errors.As(err, &unreachable)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("billing circuit breaker state changed",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}

	return &Client{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    gobreaker.NewCircuitBreaker(settings),
		log:        log,
	}
}

// Reserve asks the authority whether the user may start a turn and returns
// the current balance. A success reply without a balance reads as zero.
func (c *Client) Reserve(ctx context.Context, user conversation.UserContext, body json.RawMessage) (*ReserveResult, error) {
	r, err := c.call(ctx, opInlet, user, body)
	if err != nil {
		return nil, err
	}
	res := &ReserveResult{Balance: decimal.Zero}
	if r.Balance != nil {
		res.Balance = *r.Balance
	}
	return res, nil
}

// Finalize charges the completed turn and returns token counts, cost and
// the balance after the charge.
func (c *Client) Finalize(ctx context.Context, user conversation.UserContext, body json.RawMessage) (*FinalizeResult, error) {
	r, err := c.call(ctx, opOutlet, user, body)
	if err != nil {
		return nil, err
	}
	if r.InputTokens == nil || r.OutputTokens == nil || r.TotalCost == nil || r.NewBalance == nil {
		err := &UnreachableError{Op: opOutlet, Err: fmt.Errorf("%w: missing usage fields", ErrMalformedResponse)}
		return nil, err
	}
	if *r.InputTokens < 0 || *r.OutputTokens < 0 {
		err := &UnreachableError{Op: opOutlet, Err: fmt.Errorf("%w: negative token count %d+%d", ErrMalformedResponse, *r.InputTokens, *r.OutputTokens)}
		return nil, err
	}
	return &FinalizeResult{
		InputTokens:  *r.InputTokens,
		OutputTokens: *r.OutputTokens,
		TotalCost:    *r.TotalCost,
		NewBalance:   *r.NewBalance,
	}, nil
}

func (c *Client) call(ctx context.Context, op string, user conversation.UserContext, body json.RawMessage) (r *reply, err error) {
	started := time.Now()
	defer func() { metrics.RecordBillingCall(op, outcomeOf(err), started) }()

	if user == nil {
		user = conversation.UserContext{}
	}
	payload, err := json.Marshal(envelope{User: user, Body: body})
	if err != nil {
		return nil, fmt.Errorf("failed to encode billing %s request: %w", op, err)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.send(ctx, op, payload)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &UnreachableError{Op: op, Err: err}
		}
		c.log.Warn("billing call failed", zap.String("op", op), zap.Error(err))
		return nil, err
	}
	return result.(*reply), nil
}

func (c *Client) send(ctx context.Context, op string, payload []byte) (*reply, error) {
	url := fmt.Sprintf("%s/api/v1/%s", c.endpoint, op)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", fmt.Sprintf("Bearer %s", c.apiKey))

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &UnreachableError{Op: op, Err: err}
	}

	var r reply
	decodeErr := json.Unmarshal(respBody, &r)

	// The authority reports business failures with success=false, sometimes
	// alongside a 5xx status. A 2xx reply without success=true is a
	// rejection too.
	if decodeErr == nil {
		explicitFailure := r.Success != nil && !*r.Success
		implicitFailure := r.Success == nil && isOK(resp.StatusCode)
		if explicitFailure || implicitFailure {
			return nil, declined(&r, resp.StatusCode)
		}
	}

	if !isOK(resp.StatusCode) {
		return nil, &UnreachableError{Op: op, Err: fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(respBody, 200))}
	}
	if decodeErr != nil {
		return nil, &UnreachableError{Op: op, Err: fmt.Errorf("%w: %v", ErrMalformedResponse, decodeErr)}
	}
	return &r, nil
}

func declined(r *reply, statusCode int) *DeclinedError {
	errType := r.ErrorType
	if errType == "" {
		errType = defaultErrorType
	}
	return &DeclinedError{Type: errType, Message: r.Error, StatusCode: statusCode}
}

func isOK(code int) bool {
	return code >= 200 && code < 300
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
