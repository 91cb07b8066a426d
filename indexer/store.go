package indexer

import (
	"errors"
	"math/big"
	"sort"
	"sync"
)

// ErrBadOrderBy is returned by List for a sort field outside the allowed set.
var ErrBadOrderBy = errors.New("orderBy must be blockNumber, blockTimestamp or timestamp")

// SortFields is the set List accepts for orderBy. All are integer-valued.
var SortFields = map[string]bool{
	"blockNumber":    true,
	"blockTimestamp": true,
	"timestamp":      true,
}

// ListOpts controls a paged read. Zero values take the documented defaults.
type ListOpts struct {
	First          uint32
	Skip           uint32
	OrderBy        string
	OrderDirection string
}

func (o ListOpts) withDefaults() ListOpts {
	if o.First == 0 {
		o.First = 100
	}
	if o.OrderBy == "" {
		o.OrderBy = "blockTimestamp"
	}
	if o.OrderDirection == "" {
		o.OrderDirection = "desc"
	}
	return o
}

// ProtocolStats is the derived aggregate record. Amounts are lossless
// decimal strings, matching the subgraph shape.
type ProtocolStats struct {
	TotalLoansCreated  string `json:"totalLoansCreated"`
	TotalLoanVolume    string `json:"totalLoanVolume"`
	TotalLoanVolumeUSD string `json:"totalLoanVolumeUSD"`
	LastProcessedBlock string `json:"lastProcessedBlock"`
}

// Status is the indexer-facing snapshot exposed over /health.
type Status struct {
	NextBlock          uint64 `json:"nextBlock"`
	LastProcessedBlock uint64 `json:"lastProcessedBlock"`
	TotalLoansIndexed  uint64 `json:"totalLoansIndexed"`
	IsIndexing         bool   `json:"isIndexing"`
	TailErrors         uint64 `json:"tailErrors"`
}

// Store is the in-memory projection of contract events: one ordered log per
// kind, an id set per kind for dedup, and the protocol aggregates. A single
// reader-writer lock covers everything; the indexer is the only writer.
type Store struct {
	mu     sync.RWMutex
	events map[Kind][]Event
	seen   map[Kind]map[string]struct{}

	totalLoansCreated  uint64
	totalLoanVolume    *big.Int
	totalLoanVolumeUSD *big.Int

	nextBlock          uint64
	lastProcessedBlock uint64
	isIndexing         bool
	tailErrors         uint64
}

// NewStore returns an empty projection.
func NewStore() *Store {
	s := &Store{
		events:             make(map[Kind][]Event),
		seen:               make(map[Kind]map[string]struct{}),
		totalLoanVolume:    new(big.Int),
		totalLoanVolumeUSD: new(big.Int),
	}
	for _, k := range Kinds {
		s.events[k] = nil
		s.seen[k] = make(map[string]struct{})
	}
	return s
}

// Insert adds a record, deduplicating on its id. LoanCreated aggregates are
// updated in the same critical section so readers never see them out of
// step with the log.
func (s *Store) Insert(ev Event) bool {
	kind := ev.EventKind()

	s.mu.Lock()
	defer s.mu.Unlock()

	ids, ok := s.seen[kind]
	if !ok {
		ids = make(map[string]struct{})
		s.seen[kind] = ids
	}
	if _, dup := ids[ev.EventID()]; dup {
		return false
	}
	ids[ev.EventID()] = struct{}{}
	s.events[kind] = append(s.events[kind], ev)

	if lc, ok := ev.(LoanCreated); ok {
		s.totalLoansCreated++
		if amount, ok := new(big.Int).SetString(lc.Amount, 10); ok {
			s.totalLoanVolume.Add(s.totalLoanVolume, amount)
		}
	}
	return true
}

// List returns a sorted, paged copy of one kind's records. Sort fields are
// compared as non-negative decimal integers; ties keep insertion order.
func (s *Store) List(kind Kind, opts ListOpts) ([]Event, error) {
	opts = opts.withDefaults()
	if !SortFields[opts.OrderBy] {
		return nil, ErrBadOrderBy
	}
	if opts.OrderDirection != "asc" && opts.OrderDirection != "desc" {
		return nil, errors.New("orderDirection must be asc or desc")
	}

	s.mu.RLock()
	src := s.events[kind]
	all := make([]Event, len(src))
	copy(all, src)
	s.mu.RUnlock()

	type keyed struct {
		ev    Event
		key   *big.Int
		index int
	}
	rows := make([]keyed, len(all))
	for i, ev := range all {
		key := new(big.Int)
		if raw, ok := ev.SortValue(opts.OrderBy); ok {
			if parsed, ok := new(big.Int).SetString(raw, 10); ok {
				key = parsed
			}
		}
		rows[i] = keyed{ev: ev, key: key, index: i}
	}

	asc := opts.OrderDirection == "asc"
	sort.SliceStable(rows, func(i, j int) bool {
		cmp := rows[i].key.Cmp(rows[j].key)
		if cmp == 0 {
			return rows[i].index < rows[j].index
		}
		if asc {
			return cmp < 0
		}
		return cmp > 0
	})

	start := int(opts.Skip)
	if start > len(rows) {
		start = len(rows)
	}
	end := start + int(opts.First)
	if end > len(rows) {
		end = len(rows)
	}

	out := make([]Event, 0, end-start)
	for _, row := range rows[start:end] {
		out = append(out, row.ev)
	}
	return out, nil
}

// Stats snapshots the protocol aggregates.
func (s *Store) Stats() ProtocolStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ProtocolStats{
		TotalLoansCreated:  new(big.Int).SetUint64(s.totalLoansCreated).String(),
		TotalLoanVolume:    s.totalLoanVolume.String(),
		TotalLoanVolumeUSD: s.totalLoanVolumeUSD.String(),
		LastProcessedBlock: new(big.Int).SetUint64(s.lastProcessedBlock).String(),
	}
}

// Status snapshots the indexer's externally visible progress.
func (s *Store) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		NextBlock:          s.nextBlock,
		LastProcessedBlock: s.lastProcessedBlock,
		TotalLoansIndexed:  s.totalLoansCreated,
		IsIndexing:         s.isIndexing,
		TailErrors:         s.tailErrors,
	}
}

// SetCursor records the indexer's progress after a completed range.
// The processed-block watermark never moves backward.
func (s *Store) SetCursor(nextBlock, lastProcessed uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextBlock = nextBlock
	if lastProcessed > s.lastProcessedBlock {
		s.lastProcessedBlock = lastProcessed
	}
}

// SetIndexing flips the live-indexing flag in Status.
func (s *Store) SetIndexing(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isIndexing = active
}

// RecordTailError bumps the tail-poll failure counter surfaced in Status.
func (s *Store) RecordTailError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tailErrors++
}
