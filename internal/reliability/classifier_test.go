package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want bool
	}{
		{200, false},
		{404, false},
		{413, false},
		{429, true},
		{502, true},
		{503, true},
	}
	for _, tc := range cases {
		got := IsRetryableHTTPStatus(tc.code)
		if got != tc.want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}

func TestExponentialBackoffCap(t *testing.T) {
	base := 100 * time.Millisecond
	capDur := 700 * time.Millisecond
	if got := ExponentialBackoff(0, base, capDur); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(2, base, capDur); got != 400*time.Millisecond {
		t.Fatalf("attempt 2 = %v, want 400ms", got)
	}
	if got := ExponentialBackoff(10, base, capDur); got != capDur {
		t.Fatalf("attempt 10 = %v, want %v", got, capDur)
	}
}

func TestRetryStopsOnSuccess(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond, Cap: time.Millisecond}, func(int) (bool, error) {
		calls++
		if calls < 3 {
			return true, errors.New("busy")
		}
		return false, nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("Retry() = %v after %d calls, want nil after 3", err, calls)
	}
}

func TestRetryPermanentError(t *testing.T) {
	calls := 0
	want := errors.New("bad request")
	err := Retry(context.Background(), Policy{Attempts: 5, Base: time.Millisecond}, func(int) (bool, error) {
		calls++
		return false, want
	})
	if !errors.Is(err, want) || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls, want %v after 1", err, calls, want)
	}
}

func TestRetryGivesUp(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), Policy{Attempts: 3, Base: time.Millisecond, Cap: 2 * time.Millisecond}, func(int) (bool, error) {
		calls++
		return true, errors.New("unavailable")
	})
	if err == nil || calls != 3 {
		t.Fatalf("Retry() = %v after %d calls, want error after 3", err, calls)
	}
}

func TestRetryHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Retry(ctx, Policy{Attempts: 5, Base: time.Hour, Cap: time.Hour}, func(int) (bool, error) {
		calls++
		cancel()
		return true, errors.New("unavailable")
	})
	if err == nil || calls != 1 {
		t.Fatalf("Retry() = %v after %d calls, want error after 1", err, calls)
	}
}
