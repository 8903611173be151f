package billing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vnmchuo/usage-meter/internal/conversation"
)

func newTestClient(url string) *Client {
	return NewClient(Config{Endpoint: url, APIKey: "test-key", Timeout: 2 * time.Second}, zap.NewNop())
}

func jsonHandler(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func TestReserve_Success(t *testing.T) {
	var gotPath, gotAuth string
	var gotBody map[string]json.RawMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		json.NewDecoder(r.Body).Decode(&gotBody)
		jsonHandler(http.StatusOK, `{"success":true,"balance":12.5}`)(w, r)
	}))
	defer server.Close()

	c := newTestClient(server.URL + "/")
	user := conversation.UserContext{"id": "user-1"}
	res, err := c.Reserve(context.Background(), user, json.RawMessage(`{"model":"gpt-4"}`))
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if !res.Balance.Equal(decimal.RequireFromString("12.5")) {
		t.Errorf("Expected balance 12.5, got %s", res.Balance)
	}
	if gotPath != "/api/v1/inlet" {
		t.Errorf("Expected path /api/v1/inlet, got %s", gotPath)
	}
	if gotAuth != "Bearer test-key" {
		t.Errorf("Expected bearer header, got %q", gotAuth)
	}
	if string(gotBody["body"]) != `{"model":"gpt-4"}` {
		t.Errorf("Expected body forwarded verbatim, got %s", gotBody["body"])
	}
	if string(gotBody["user"]) != `{"id":"user-1"}` {
		t.Errorf("Expected user forwarded, got %s", gotBody["user"])
	}
}

func TestReserve_MissingBalanceReadsAsZero(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{"success":true}`))
	defer server.Close()

	res, err := newTestClient(server.URL).Reserve(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if !res.Balance.IsZero() {
		t.Errorf("Expected zero balance, got %s", res.Balance)
	}
}

func TestFinalize_Success(t *testing.T) {
	var gotPath string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		jsonHandler(http.StatusOK, `{"success":true,"inputTokens":100,"outputTokens":50,"totalCost":0.002,"newBalance":12.498}`)(w, r)
	}))
	defer server.Close()

	res, err := newTestClient(server.URL).Finalize(context.Background(), nil, json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}
	if gotPath != "/api/v1/outlet" {
		t.Errorf("Expected path /api/v1/outlet, got %s", gotPath)
	}
	if res.InputTokens != 100 || res.OutputTokens != 50 {
		t.Errorf("Expected 100+50 tokens, got %d+%d", res.InputTokens, res.OutputTokens)
	}
	if !res.TotalCost.Equal(decimal.RequireFromString("0.002")) {
		t.Errorf("Expected cost 0.002, got %s", res.TotalCost)
	}
	if !res.NewBalance.Equal(decimal.RequireFromString("12.498")) {
		t.Errorf("Expected balance 12.498, got %s", res.NewBalance)
	}
}

func TestFinalize_MissingFieldsIsUnreachable(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{"success":true,"inputTokens":1}`))
	defer server.Close()

	_, err := newTestClient(server.URL).Finalize(context.Background(), nil, nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) || !errors.Is(err, ErrMalformedResponse) {
		t.Errorf("Expected malformed UnreachableError, got %v", err)
	}
}

func TestCall_Classification(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantUnauth  bool
		wantType    string
		wantMessage string
		wantUnreach bool
	}{
		{
			name:       "401 is unauthorized",
			handler:    jsonHandler(http.StatusUnauthorized, `{"error":"bad key"}`),
			wantUnauth: true,
		},
		{
			name:        "200 success false is declined",
			handler:     jsonHandler(http.StatusOK, `{"success":false,"error":"rate limited","error_type":"RATE_LIMIT"}`),
			wantType:    "RATE_LIMIT",
			wantMessage: "rate limited",
		},
		{
			name:        "500 success false is declined",
			handler:     jsonHandler(http.StatusInternalServerError, `{"success":false,"error":"user missing","error_type":"Error"}`),
			wantType:    "Error",
			wantMessage: "user missing",
		},
		{
			name:     "declined without type",
			handler:  jsonHandler(http.StatusOK, `{"success":false}`),
			wantType: "UNKNOWN_ERROR",
		},
		{
			name:        "502 html is unreachable",
			handler:     jsonHandler(http.StatusBadGateway, `<html>bad gateway</html>`),
			wantUnreach: true,
		},
		{
			name:        "200 garbage is unreachable",
			handler:     jsonHandler(http.StatusOK, `not json`),
			wantUnreach: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			_, err := newTestClient(server.URL).Reserve(context.Background(), nil, nil)
			if err == nil {
				t.Fatal("Expected error, got nil")
			}

			if tt.wantUnauth {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("Expected ErrUnauthorized, got %v", err)
				}
				return
			}

			if tt.wantUnreach {
				var unreachable *UnreachableError
				if !errors.As(err, &unreachable) {
					t.Errorf("Expected UnreachableError, got %T: %v", err, err)
				}
				return
			}

			var declined *DeclinedError
			if !errors.As(err, &declined) {
				t.Fatalf("Expected DeclinedError, got %T: %v", err, err)
			}
			if declined.Type != tt.wantType {
				t.Errorf("Expected type %q, got %q", tt.wantType, declined.Type)
			}
			if declined.Message != tt.wantMessage {
				t.Errorf("Expected message %q, got %q", tt.wantMessage, declined.Message)
			}
		})
	}
}

func TestCall_TransportFailureIsUnreachable(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{}`))
	url := server.URL
	server.Close()

	_, err := newTestClient(url).Reserve(context.Background(), nil, nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Errorf("Expected UnreachableError, got %v", err)
	}
	if unreachable != nil && unreachable.Op != "inlet" {
		t.Errorf("Expected op inlet, got %s", unreachable.Op)
	}
}

func TestCall_TimeoutIsUnreachable(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Config{Endpoint: server.URL, Timeout: 50 * time.Millisecond}, zap.NewNop())
	_, err := c.Finalize(context.Background(), nil, nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Errorf("Expected UnreachableError on timeout, got %v", err)
	}
}

func TestCall_NoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	newTestClient(server.URL).Reserve(context.Background(), nil, nil)
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected exactly 1 call, got %d", got)
	}
}

func TestBreaker_OpensOnTransportFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, BreakerFailures: 3, BreakerCooldown: time.Minute}, zap.NewNop())
	for i := 0; i < 3; i++ {
		c.Reserve(context.Background(), nil, nil)
	}

	_, err := c.Reserve(context.Background(), nil, nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("Expected UnreachableError from open breaker, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected breaker to short-circuit the 4th call, server saw %d calls", got)
	}
}

func TestBreaker_IgnoresBusinessFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n%2 == 0 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		jsonHandler(http.StatusOK, `{"success":false,"error":"nope","error_type":"DENIED"}`)(w, r)
	}))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, BreakerFailures: 2, BreakerCooldown: time.Minute}, zap.NewNop())
	for i := 0; i < 6; i++ {
		c.Reserve(context.Background(), nil, nil)
	}
	if got := atomic.LoadInt32(&calls); got != 6 {
		t.Errorf("Expected all 6 calls to reach the server, got %d", got)
	}
}

func TestFinalize_NegativeTokensIsUnreachable(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"negative input", `{"success":true,"inputTokens":-1,"outputTokens":5,"totalCost":0.001,"newBalance":1}`},
		{"negative output", `{"success":true,"inputTokens":5,"outputTokens":-3,"totalCost":0.001,"newBalance":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(jsonHandler(http.StatusOK, tt.body))
			defer server.Close()

			res, err := newTestClient(server.URL).Finalize(context.Background(), nil, nil)
			if res != nil {
				t.Errorf("Expected no result, got %+v", res)
			}
			var unreachable *UnreachableError
			if !errors.As(err, &unreachable) || !errors.Is(err, ErrMalformedResponse) {
				t.Errorf("Expected malformed UnreachableError, got %v", err)
			}
		})
	}
}

func TestBreaker_IgnoresCallerCancellation(t *testing.T) {
	server := httptest.NewServer(jsonHandler(http.StatusOK, `{"success":true,"balance":5}`))
	defer server.Close()

	c := NewClient(Config{Endpoint: server.URL, BreakerFailures: 3, BreakerCooldown: time.Minute}, zap.NewNop())

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 5; i++ {
		_, err := c.Reserve(cancelled, nil, nil)
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Expected context.Canceled, got %v", err)
		}
	}

	res, err := c.Reserve(context.Background(), nil, nil)
	if err != nil {
		t.Fatalf("Expected healthy call after cancellations, got %v", err)
	}
	if !res.Balance.Equal(decimal.NewFromInt(5)) {
		t.Errorf("Expected balance 5, got %s", res.Balance)
	}
}

func TestBreaker_CountsTimeouts(t *testing.T) {
	release := make(chan struct{})
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(Config{Endpoint: server.URL, Timeout: 20 * time.Millisecond, BreakerFailures: 2, BreakerCooldown: time.Minute}, zap.NewNop())
	for i := 0; i < 2; i++ {
		c.Reserve(context.Background(), nil, nil)
	}

	_, err := c.Reserve(context.Background(), nil, nil)
	var unreachable *UnreachableError
	if !errors.As(err, &unreachable) {
		t.Fatalf("Expected UnreachableError, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Errorf("Expected open breaker to short-circuit the 3rd call, server saw %d calls", got)
	}
}
