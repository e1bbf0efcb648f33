package security

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestBurstLimiter_Allow(t *testing.T) {
	bl := NewBurstLimiter(1, 3, nil)
	defer bl.Stop()

	for i := 0; i < 3; i++ {
		if !bl.Allow("admin") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if bl.Allow("admin") {
		t.Error("request beyond burst allowed")
	}
	if got := bl.GetStats().TotalDenied; got != 1 {
		t.Errorf("TotalDenied = %d, want 1", got)
	}
}

func TestBurstLimiter_MultipleIdentifiers(t *testing.T) {
	bl := NewBurstLimiter(1, 1, nil)
	defer bl.Stop()

	if !bl.Allow("a") || !bl.Allow("b") {
		t.Fatal("first request per identifier should be allowed")
	}
	if bl.Allow("a") {
		t.Error("second request for a allowed")
	}
}

func TestBurstLimiter_Refill(t *testing.T) {
	bl := NewBurstLimiter(20, 1, nil)
	defer bl.Stop()

	if !bl.Allow("x") {
		t.Fatal("first request denied")
	}
	if bl.Allow("x") {
		t.Fatal("second immediate request allowed")
	}
	time.Sleep(100 * time.Millisecond)
	if !bl.Allow("x") {
		t.Error("request after refill denied")
	}
}

func TestBurstLimiter_LRUEviction(t *testing.T) {
	bl := NewBurstLimiterWithConfig(1, 1, 2, nil)
	defer bl.Stop()

	bl.Allow("a")
	bl.Allow("b")
	bl.Allow("c")

	stats := bl.GetStats()
	if stats.CurrentEntries != 2 {
		t.Errorf("CurrentEntries = %d, want 2", stats.CurrentEntries)
	}
	if stats.TotalEvictions != 1 {
		t.Errorf("TotalEvictions = %d, want 1", stats.TotalEvictions)
	}
	if stats.MemoryPressure != 100.0 {
		t.Errorf("MemoryPressure = %v, want 100", stats.MemoryPressure)
	}
}

func TestBurstLimiter_Cleanup(t *testing.T) {
	bl := NewBurstLimiter(1, 1, nil)
	defer bl.Stop()

	bl.Allow("idle")
	time.Sleep(20 * time.Millisecond)
	bl.Allow("active")

	bl.Cleanup(10 * time.Millisecond)

	if got := bl.GetStats().CurrentEntries; got != 1 {
		t.Errorf("CurrentEntries = %d, want 1", got)
	}
}

func TestBurstLimiter_Concurrent(t *testing.T) {
	bl := NewBurstLimiterWithConfig(100, 10, 50, nil)
	defer bl.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			bl.Allow(fmt.Sprintf("id-%d", i%70))
		}(i)
	}
	wg.Wait()

	if got := bl.GetStats().CurrentEntries; got > 50 {
		t.Errorf("CurrentEntries = %d, exceeds bound 50", got)
	}
}

func TestBurstLimiter_StopTwice(t *testing.T) {
	bl := NewBurstLimiter(1, 1, nil)
	bl.Stop()
	bl.Stop()
}
