package indexer

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultNoticeBuffer is the per-subscriber channel depth.
const DefaultNoticeBuffer = 256

// LoanCreatedNotice is the hint published for each newly inserted
// LoanCreated record. The store remains the source of truth; delivery is
// best-effort.
type LoanCreatedNotice struct {
	LoanID            string
	TokenAddress      string
	CollateralAddress string
}

// Bus fans LoanCreatedNotices out to subscribers over bounded channels.
// A full subscriber loses its oldest pending notice, never blocks the
// publisher.
type Bus struct {
	mu      sync.Mutex
	subs    []chan LoanCreatedNotice
	dropped atomic.Uint64
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers a new consumer. buffer <= 0 takes the default depth.
func (b *Bus) Subscribe(buffer int) <-chan LoanCreatedNotice {
	if buffer <= 0 {
		buffer = DefaultNoticeBuffer
	}
	ch := make(chan LoanCreatedNotice, buffer)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch
}

// Publish delivers a notice to every subscriber without blocking. On a full
// buffer the oldest notice is dropped and counted.
func (b *Bus) Publish(n LoanCreatedNotice) {
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- n:
			continue
		default:
		}
		// Full: shed the oldest and retry once.
		select {
		case <-ch:
			b.dropped.Add(1)
		default:
		}
		select {
		case ch <- n:
		default:
			b.dropped.Add(1)
			log.Warn().Str("loanId", n.LoanID).Msg("Notice dropped, subscriber saturated")
		}
	}
}

// Dropped reports how many notices were shed across all subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}
