package channel

import (
	"context"
	"testing"
	"time"
)

// pinLimiter replaces the limiter's clock and sleep with deterministic
// versions. Sleeping advances the clock.
func pinLimiter(l *RecipientLimiter, start time.Time) (*time.Time, *[]time.Duration) {
	clock := start
	var slept []time.Duration
	l.now = func() time.Time { return clock }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		clock = clock.Add(d)
		return nil
	}
	return &clock, &slept
}

func TestRecipientLimiterAllowsUpToLimit(t *testing.T) {
	l := NewRecipientLimiter(3, time.Minute)
	_, slept := pinLimiter(l, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "5511912345678"); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if len(*slept) != 0 {
		t.Fatalf("slept %v before the window filled", *slept)
	}
	if got := l.InWindow("5511912345678"); got != 3 {
		t.Fatalf("InWindow = %d, want 3", got)
	}
}

func TestRecipientLimiterBlocksUntilSlotFrees(t *testing.T) {
	l := NewRecipientLimiter(2, time.Minute)
	clock, slept := pinLimiter(l, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	ctx := context.Background()
	if err := l.Wait(ctx, "key"); err != nil {
		t.Fatal(err)
	}
	*clock = clock.Add(10 * time.Second)
	if err := l.Wait(ctx, "key"); err != nil {
		t.Fatal(err)
	}

	// Window full: the next Wait must sleep until the first send ages
	// out, 50s from now.
	if err := l.Wait(ctx, "key"); err != nil {
		t.Fatal(err)
	}
	if len(*slept) != 1 || (*slept)[0] != 50*time.Second {
		t.Fatalf("slept = %v, want [50s]", *slept)
	}
	if got := l.InWindow("key"); got != 2 {
		t.Fatalf("InWindow = %d, want 2", got)
	}
}

func TestRecipientLimiterKeysAreIndependent(t *testing.T) {
	l := NewRecipientLimiter(1, time.Minute)
	_, slept := pinLimiter(l, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	ctx := context.Background()
	if err := l.Wait(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx, "b"); err != nil {
		t.Fatal(err)
	}
	if len(*slept) != 0 {
		t.Fatalf("independent keys blocked each other: %v", *slept)
	}
	if got := l.Total(); got != 2 {
		t.Fatalf("Total = %d, want 2", got)
	}
}

func TestRecipientLimiterWaitCancelled(t *testing.T) {
	l := NewRecipientLimiter(1, time.Hour)
	l.sleep = func(ctx context.Context, d time.Duration) error {
		return context.Canceled
	}

	ctx := context.Background()
	if err := l.Wait(ctx, "key"); err != nil {
		t.Fatal(err)
	}
	if err := l.Wait(ctx, "key"); err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRecipientLimiterWindowExpiry(t *testing.T) {
	l := NewRecipientLimiter(5, time.Minute)
	clock, _ := pinLimiter(l, time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "key"); err != nil {
			t.Fatal(err)
		}
	}
	*clock = clock.Add(2 * time.Minute)
	if got := l.InWindow("key"); got != 0 {
		t.Fatalf("InWindow after expiry = %d, want 0", got)
	}
	if got := l.Total(); got != 0 {
		t.Fatalf("Total after expiry = %d, want 0", got)
	}
}
