package exchange

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestAPIErrorRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  *APIError
		want bool
	}{
		{"http 429", &APIError{StatusCode: 429}, true},
		{"http 418 ban", &APIError{StatusCode: 418}, true},
		{"http 500", &APIError{StatusCode: 500, Code: -1000}, true},
		{"disconnected", &APIError{StatusCode: 400, Code: -1001}, true},
		{"too many requests", &APIError{StatusCode: 400, Code: -1003}, true},
		{"timeout", &APIError{StatusCode: 400, Code: -1007}, true},
		{"bad param", &APIError{StatusCode: 400, Code: -1102}, false},
		{"insufficient margin", &APIError{StatusCode: 400, Code: -2019}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Retryable(); got != tc.want {
				t.Errorf("Retryable() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsRetryableWrapsAPIError(t *testing.T) {
	permanent := fmt.Errorf("place order: %w", &APIError{StatusCode: 400, Code: -1102})
	if IsRetryable(permanent) {
		t.Error("wrapped permanent error classified as retryable")
	}
	transient := fmt.Errorf("place order: %w", &APIError{StatusCode: 503})
	if !IsRetryable(transient) {
		t.Error("wrapped transient error classified as permanent")
	}
	if !IsRetryable(errors.New("connection reset")) {
		t.Error("network error should be retryable")
	}
	if IsRetryable(nil) {
		t.Error("nil error should not be retryable")
	}
}

func TestRetryDelayBounded(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(attempt)
		if d < baseRetryDelay {
			t.Errorf("attempt %d: delay %v below base", attempt, d)
		}
		if d > maxRetryDelay+maxRetryDelay/4 {
			t.Errorf("attempt %d: delay %v exceeds cap with jitter", attempt, d)
		}
	}
	if d := retryDelay(1); d >= 2*baseRetryDelay {
		// first retry is base plus at most 25% jitter
		t.Errorf("first retry delay %v too large", d)
	}
}

func TestBuildQuerySortsKeys(t *testing.T) {
	q := buildQuery(map[string]string{
		"symbol":    "BTCUSDT",
		"side":      "BUY",
		"quantity":  "0.005",
		"timestamp": "1700000000000",
	})
	want := "quantity=0.005&side=BUY&symbol=BTCUSDT&timestamp=1700000000000"
	if q != want {
		t.Errorf("buildQuery = %q, want %q", q, want)
	}
}

func TestSignIsDeterministic(t *testing.T) {
	c := &Client{apiSecret: "test-secret"}
	payload := "symbol=BTCUSDT&timestamp=1700000000000"
	a := c.sign(payload)
	b := c.sign(payload)
	if a != b {
		t.Error("same payload produced different signatures")
	}
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("expected lowercase hex sha256 signature, got %q", a)
	}
}
