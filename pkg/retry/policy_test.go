package retry_test

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/fluxloop/agentcore/pkg/retry"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		msg  string
		want retry.Category
	}{
		{"rate limit by message", nil, "429 Too Many Requests", retry.RateLimit},
		{"rate limit by error", errors.New("quota exceeded"), "", retry.RateLimit},
		{"timeout", errors.New("context deadline exceeded"), "", retry.Timeout},
		{"5xx", nil, "503 Service Unavailable", retry.Transient5xx},
		{"overloaded", nil, "model overloaded, try again", retry.Transient5xx},
		{"auth", nil, "401 unauthorized: invalid api key", retry.Auth},
		{"validation", nil, "400 bad request: invalid request", retry.Validation},
		{"other", nil, "something weird happened", retry.Other},
		{"empty", nil, "", retry.Other},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := retry.Classify(c.err, c.msg)
			if got != c.want {
				t.Errorf("Classify(%v, %q) = %q, want %q", c.err, c.msg, got, c.want)
			}
		})
	}
}

func TestRetryable(t *testing.T) {
	for _, c := range []retry.Category{retry.RateLimit, retry.Timeout, retry.Transient5xx} {
		if !retry.Retryable(c) {
			t.Errorf("Retryable(%s) = false, want true", c)
		}
	}
	for _, c := range []retry.Category{retry.Auth, retry.Validation, retry.Other} {
		if retry.Retryable(c) {
			t.Errorf("Retryable(%s) = true, want false", c)
		}
	}
}

func TestPolicy_Delay_ExponentialGrowth(t *testing.T) {
	p := retry.Policy{MaxRetries: 5, BaseDelay: 100 * time.Millisecond, MaxDelay: 10 * time.Second, JitterFactor: 0}
	var prev time.Duration
	for attempt := 0; attempt < 5; attempt++ {
		d := p.Delay(attempt, 0)
		if d < prev {
			t.Errorf("attempt %d: delay %s should be >= previous %s with zero jitter", attempt, d, prev)
		}
		prev = d
	}
}

func TestPolicy_Delay_CapsAtMaxDelay(t *testing.T) {
	p := retry.Policy{MaxRetries: 20, BaseDelay: time.Second, MaxDelay: 5 * time.Second, JitterFactor: 0}
	d := p.Delay(10, 0)
	if d > 5*time.Second {
		t.Errorf("delay %s exceeds MaxDelay 5s", d)
	}
}

func TestPolicy_Delay_HonorsRetryAfterHint(t *testing.T) {
	p := retry.Policy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: time.Second, JitterFactor: 0}
	d := p.Delay(0, 30*time.Second)
	if d != 30*time.Second {
		t.Errorf("delay = %s, want the Retry-After hint of 30s since it exceeds the computed delay", d)
	}
}

func TestPolicy_Delay_ComputedWinsWhenLargerThanHint(t *testing.T) {
	p := retry.Policy{MaxRetries: 3, BaseDelay: 10 * time.Second, MaxDelay: time.Minute, JitterFactor: 0}
	d := p.Delay(2, time.Second) // computed = 40s, hint = 1s
	if d < 10*time.Second {
		t.Errorf("delay = %s, want computed backoff to win over a small hint", d)
	}
}

func TestRetryAfterFromHeader_Seconds(t *testing.T) {
	d := retry.RetryAfterFromHeader("120", time.Now())
	if d != 120*time.Second {
		t.Errorf("RetryAfterFromHeader(\"120\") = %s, want 120s", d)
	}
}

func TestRetryAfterFromHeader_PastDateClampsToZero(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Hour).UTC().Format(http.TimeFormat)
	d := retry.RetryAfterFromHeader(past, now)
	if d != 0 {
		t.Errorf("RetryAfterFromHeader(past date) = %s, want 0", d)
	}
}

func TestRetryAfterFromHeader_Empty(t *testing.T) {
	if d := retry.RetryAfterFromHeader("", time.Now()); d != 0 {
		t.Errorf("RetryAfterFromHeader(\"\") = %s, want 0", d)
	}
}
