package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Sternrassler/venue-harvester/internal/testutil"
)

func TestPacer_SpacesWaves(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	p := NewPacer(time.Second, clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := p.Wait(ctx); err != nil {
			t.Fatalf("Wait() #%d error = %v", i+1, err)
		}
	}

	sleeps := clk.Sleeps()
	// First wave goes immediately, the next two wait one interval each.
	if len(sleeps) != 2 {
		t.Fatalf("sleeps = %v, want 2 sleeps", sleeps)
	}
	for i, s := range sleeps {
		if s != time.Second {
			t.Errorf("sleep #%d = %v, want 1s", i+1, s)
		}
	}
}

func TestPacer_NoWaitAfterIdleInterval(t *testing.T) {
	clk := testutil.NewFakeClock(time.Date(2026, 10, 19, 0, 0, 0, 0, time.UTC))
	p := NewPacer(time.Second, clk)
	ctx := context.Background()

	p.Wait(ctx)
	clk.Advance(2 * time.Second)
	p.Wait(ctx)

	if n := len(clk.Sleeps()); n != 0 {
		t.Errorf("sleeps = %d, want 0", n)
	}
}

func TestPacer_Disabled(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	p := NewPacer(0, clk)

	for i := 0; i < 10; i++ {
		if err := p.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	if n := len(clk.Sleeps()); n != 0 {
		t.Errorf("sleeps = %d, want 0 with pacing disabled", n)
	}
}

func TestPacer_ContextCancelled(t *testing.T) {
	clk := testutil.NewFakeClock(time.Now())
	p := NewPacer(time.Second, clk)

	p.Wait(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := p.Wait(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Wait() error = %v, want context.Canceled", err)
	}
}
