package core

import "sync"

type bookKey struct {
	market  string
	outcome uint8
}

// MarketLocks serializes every mutation of one (market, outcome) book.
// The engine holds it across read-candidates-then-apply-fills, and the
// cancellation handler holds it across its check-then-cancel.
type MarketLocks struct {
	mu    sync.Mutex
	locks map[bookKey]*sync.Mutex
}

func NewMarketLocks() *MarketLocks {
	return &MarketLocks{locks: make(map[bookKey]*sync.Mutex)}
}

// Lock blocks until the book is free and returns its unlock func.
func (l *MarketLocks) Lock(market string, outcome uint8) func() {
	k := bookKey{market: market, outcome: outcome}

	l.mu.Lock()
	m, ok := l.locks[k]
	if !ok {
		m = &sync.Mutex{}
		l.locks[k] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
