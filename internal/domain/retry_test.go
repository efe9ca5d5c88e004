package domain

import (
	"testing"
	"time"
)

func TestRetryDelay_Schedule(t *testing.T) {
	cases := []struct {
		attempts int
		want     time.Duration
	}{
		{1, 30 * time.Second},
		{2, 60 * time.Second},
		{3, 120 * time.Second},
		{4, 240 * time.Second},
		{5, 600 * time.Second},
		{6, 600 * time.Second},
		{10, 600 * time.Second},
		{11, 600 * time.Second},
	}
	for _, tt := range cases {
		if got := RetryDelay(tt.attempts); got != tt.want {
			t.Errorf("RetryDelay(%d) = %v, want %v", tt.attempts, got, tt.want)
		}
	}
}

func TestRetryDelay_NonDecreasing(t *testing.T) {
	prev := time.Duration(0)
	for attempts := 1; attempts <= 20; attempts++ {
		d := RetryDelay(attempts)
		if d < prev {
			t.Fatalf("delay decreased at attempts=%d: %v < %v", attempts, d, prev)
		}
		prev = d
	}
}

func TestRetryDelay_ClampsBadInput(t *testing.T) {
	if got := RetryDelay(0); got != 30*time.Second {
		t.Fatalf("RetryDelay(0) = %v, want 30s", got)
	}
	if got := RetryDelay(-3); got != 30*time.Second {
		t.Fatalf("RetryDelay(-3) = %v, want 30s", got)
	}
}

func TestParseWriteDate(t *testing.T) {
	ts, err := ParseWriteDate("2024-03-01 10:15:30")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := time.Date(2024, 3, 1, 10, 15, 30, 0, time.UTC)
	if !ts.Equal(want) {
		t.Fatalf("parsed %v, want %v", ts, want)
	}
	if _, err := ParseWriteDate("not-a-date"); err == nil {
		t.Fatal("expected error for malformed write_date")
	}
}

func TestOrderPayload_IdempotencyKey(t *testing.T) {
	p := OrderPayload{ConnectionID: 3, OrderID: 42, WriteDate: "2024-03-01 10:15:30"}
	if got, want := p.IdempotencyKey(), "3:42:2024-03-01 10:15:30"; got != want {
		t.Fatalf("IdempotencyKey() = %q, want %q", got, want)
	}
}
