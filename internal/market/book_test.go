package market

import (
	"testing"
	"time"
)

func TestMidPrefersBidAsk(t *testing.T) {
	q := Quote{Bid: 100, Ask: 102, Last: 999, HasBid: true, HasAsk: true, HasLast: true}
	mid, ok := q.Mid()
	if !ok || mid != 101 {
		t.Fatalf("expected mid 101, got %f (ok=%v)", mid, ok)
	}
}

func TestMidFallsBackToLast(t *testing.T) {
	q := Quote{Last: 100.5, HasLast: true}
	mid, ok := q.Mid()
	if !ok || mid != 100.5 {
		t.Fatalf("expected last-price mid, got %f (ok=%v)", mid, ok)
	}
}

func TestMidUndefinedWhenEmpty(t *testing.T) {
	if _, ok := (Quote{}).Mid(); ok {
		t.Fatalf("empty quote must have no mid")
	}
}

func TestApplyMergesPartialUpdates(t *testing.T) {
	b := NewBook()
	b.Apply(Update{Bid: 100, HasBid: true})
	b.Apply(Update{Ask: 101, HasAsk: true})
	q := b.Snapshot()
	if !q.HasBid || !q.HasAsk || q.Bid != 100 || q.Ask != 101 {
		t.Fatalf("partial updates must merge: %+v", q)
	}
	// A later update without bid/ask leaves them intact.
	b.Apply(Update{Last: 100.5, HasLast: true})
	q = b.Snapshot()
	if q.Bid != 100 || q.Ask != 101 || q.Last != 100.5 {
		t.Fatalf("absent fields must not be cleared: %+v", q)
	}
}

func TestApplyFundingFields(t *testing.T) {
	b := NewBook()
	next := time.Date(2025, 6, 1, 16, 0, 0, 0, time.UTC)
	b.Apply(Update{FundingRate: 0.0001, HasFunding: true, NextFunding: next, HasNextFunding: true})
	q := b.Snapshot()
	if !q.HasFunding || q.FundingRate != 0.0001 {
		t.Fatalf("funding rate not applied: %+v", q)
	}
	if !q.HasNextFunding || !q.NextFunding.Equal(next) {
		t.Fatalf("next funding not applied: %+v", q)
	}
}

func TestLastFallbackMirrorsIntoBidAsk(t *testing.T) {
	b := NewBookWithLastFallback()
	b.Apply(Update{Last: 100, HasLast: true})
	q := b.Snapshot()
	if !q.HasBid || !q.HasAsk || q.Bid != 100 || q.Ask != 100 {
		t.Fatalf("last must mirror into bid/ask: %+v", q)
	}
	// Derived values track later last prices.
	b.Apply(Update{Last: 101, HasLast: true})
	q = b.Snapshot()
	if q.Bid != 101 || q.Ask != 101 {
		t.Fatalf("derived bid/ask must follow last: %+v", q)
	}
	// A real top of book replaces the derived one and stops tracking last.
	b.Apply(Update{Bid: 100.9, HasBid: true, Ask: 101.1, HasAsk: true})
	b.Apply(Update{Last: 200, HasLast: true})
	q = b.Snapshot()
	if q.Bid != 100.9 || q.Ask != 101.1 {
		t.Fatalf("real bid/ask must not be overwritten by last: %+v", q)
	}
}

func TestResetDropsEverything(t *testing.T) {
	b := NewBook()
	b.Apply(Update{Bid: 1, HasBid: true, Ask: 2, HasAsk: true, Last: 1.5, HasLast: true, FundingRate: 0.1, HasFunding: true})
	b.Reset()
	q := b.Snapshot()
	if q.HasBid || q.HasAsk || q.HasLast || q.HasFunding || q.HasNextFunding {
		t.Fatalf("reset must drop all fields: %+v", q)
	}
	if _, ok := q.Mid(); ok {
		t.Fatalf("reset book must have no mid")
	}
}
