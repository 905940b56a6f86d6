package market

import (
	"sync"
	"time"
)

// Quote is the last-known top of book for one instrument. Fields are
// optional: a Has* flag of false means the venue has not supplied the value
// since the last (re)connect, never that it is zero.
type Quote struct {
	Bid            float64
	Ask            float64
	Last           float64
	FundingRate    float64
	NextFunding    time.Time
	HasBid         bool
	HasAsk         bool
	HasLast        bool
	HasFunding     bool
	HasNextFunding bool
	UpdatedAt      time.Time
}

// Mid prefers the bid/ask midpoint and falls back to the last trade price.
func (q Quote) Mid() (float64, bool) {
	if q.HasBid && q.HasAsk {
		return (q.Bid + q.Ask) / 2, true
	}
	if q.HasLast {
		return q.Last, true
	}
	return 0, false
}

// Update carries the fields present in a single ticker message. Absent
// fields leave the book untouched.
type Update struct {
	Bid            float64
	Ask            float64
	Last           float64
	FundingRate    float64
	NextFunding    time.Time
	HasBid         bool
	HasAsk         bool
	HasLast        bool
	HasFunding     bool
	HasNextFunding bool
}

// Book holds the live quote for one instrument. It has exactly one writer
// (the feed task) and any number of readers; readers always see a complete
// Quote, never a half-applied update.
type Book struct {
	mu    sync.RWMutex
	quote Quote

	// Spot tickers often publish only lastPrice. With the fallback enabled
	// a missing bid/ask is mirrored from last until the venue supplies a
	// real top of book.
	fallbackLast bool
	bidDerived   bool
	askDerived   bool
}

func NewBook() *Book {
	return &Book{}
}

// NewBookWithLastFallback returns a Book that mirrors lastPrice into a
// missing bid/ask, matching how sparse spot tickers are handled.
func NewBookWithLastFallback() *Book {
	return &Book{fallbackLast: true}
}

func (b *Book) Apply(u Update) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if u.HasBid {
		b.quote.Bid = u.Bid
		b.quote.HasBid = true
		b.bidDerived = false
	}
	if u.HasAsk {
		b.quote.Ask = u.Ask
		b.quote.HasAsk = true
		b.askDerived = false
	}
	if u.HasLast {
		b.quote.Last = u.Last
		b.quote.HasLast = true
	}
	if u.HasFunding {
		b.quote.FundingRate = u.FundingRate
		b.quote.HasFunding = true
	}
	if u.HasNextFunding {
		b.quote.NextFunding = u.NextFunding
		b.quote.HasNextFunding = true
	}
	if b.fallbackLast && b.quote.HasLast {
		if !b.quote.HasBid || (b.bidDerived && u.HasLast) {
			b.quote.Bid = b.quote.Last
			b.quote.HasBid = true
			b.bidDerived = true
		}
		if !b.quote.HasAsk || (b.askDerived && u.HasLast) {
			b.quote.Ask = b.quote.Last
			b.quote.HasAsk = true
			b.askDerived = true
		}
	}
	b.quote.UpdatedAt = time.Now().UTC()
}

// Reset drops every field back to unknown. The feed calls this on
// disconnect so readers stop trusting stale prices.
func (b *Book) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.quote = Quote{}
	b.bidDerived = false
	b.askDerived = false
}

func (b *Book) Snapshot() Quote {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quote
}
