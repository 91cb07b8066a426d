package indexer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/domalend/domalend-node/chain"
)

// State is the indexer lifecycle phase.
type State string

const (
	StateInitializing State = "initializing"
	StateBackFilling  State = "backfilling"
	StateTailing      State = "tailing"
	StatePaused       State = "paused"
	StateStopped      State = "stopped"
)

const (
	// DefaultPollInterval is the tail-poll cadence.
	DefaultPollInterval = 5 * time.Second

	// firstRunWindow bounds first-run back-fill when no start block is
	// configured.
	firstRunWindow = 1000

	// maxTailFailures is how many consecutive tail-poll errors pause the
	// indexer.
	maxTailFailures = 5

	retryBaseInterval = 500 * time.Millisecond
	retryMaxInterval  = 30 * time.Second
	retryJitter       = 0.2
)

// LogSource is the slice of the chain client the indexer consumes.
type LogSource interface {
	HeadBlock(ctx context.Context) (uint64, error)
	QueryLogs(ctx context.Context, topic common.Hash, from, to uint64) ([]types.Log, error)
	BlockTimestamp(ctx context.Context, number uint64) (uint64, error)
}

// Config tunes one Indexer.
type Config struct {
	// StartBlock pins the cursor; nil means head minus the first-run window.
	StartBlock   *uint64
	PollInterval time.Duration
}

// Indexer owns the back-fill and tail-poll pipeline: it is the sole writer
// to the store and the cursor, and publishes LoanCreated notices on the bus.
type Indexer struct {
	source LogSource
	store  *Store
	bus    *Bus
	cfg    Config

	mu        sync.Mutex
	state     State
	nextBlock uint64

	ready    chan struct{}
	readyOne sync.Once
	paused   chan error
	resume   chan struct{}
}

// New wires an indexer over a log source, store and notice bus.
func New(source LogSource, store *Store, bus *Bus, cfg Config) *Indexer {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Indexer{
		source: source,
		store:  store,
		bus:    bus,
		cfg:    cfg,
		state:  StateInitializing,
		ready:  make(chan struct{}),
		paused: make(chan error, 1),
		resume: make(chan struct{}, 1),
	}
}

// State reports the current lifecycle phase.
func (ix *Indexer) State() State {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.state
}

func (ix *Indexer) setState(s State) {
	ix.mu.Lock()
	ix.state = s
	ix.mu.Unlock()
}

// Ready is closed once the indexer has left Initializing.
func (ix *Indexer) Ready() <-chan struct{} {
	return ix.ready
}

// Paused yields the error that drove the indexer into Paused; the
// supervisor decides whether to Resume.
func (ix *Indexer) Paused() <-chan error {
	return ix.paused
}

// Resume moves a paused indexer back into Tailing.
func (ix *Indexer) Resume() {
	select {
	case ix.resume <- struct{}{}:
	default:
	}
}

// Run drives the indexer until ctx is cancelled: resolve head, choose the
// cursor, back-fill to head, then tail-poll.
func (ix *Indexer) Run(ctx context.Context) error {
	ix.store.SetIndexing(true)
	defer func() {
		ix.store.SetIndexing(false)
		ix.setState(StateStopped)
	}()

	head, err := ix.headWithRetry(ctx)
	if err != nil {
		return err
	}

	if ix.cfg.StartBlock != nil {
		ix.nextBlock = *ix.cfg.StartBlock
	} else if head > firstRunWindow {
		ix.nextBlock = head - firstRunWindow
	} else {
		ix.nextBlock = 0
	}
	ix.store.SetCursor(ix.nextBlock, ix.store.Status().LastProcessedBlock)

	ix.setState(StateBackFilling)
	ix.readyOne.Do(func() { close(ix.ready) })
	log.Info().
		Uint64("fromBlock", ix.nextBlock).
		Uint64("head", head).
		Msg("Back-fill starting")

	if err := ix.backFill(ctx); err != nil {
		return err
	}

	ix.setState(StateTailing)
	log.Info().Uint64("nextBlock", ix.nextBlock).Msg("Back-fill complete, tailing")
	return ix.tailLoop(ctx)
}

func (ix *Indexer) headWithRetry(ctx context.Context) (uint64, error) {
	var head uint64
	op := func() error {
		var err error
		head, err = ix.source.HeadBlock(ctx)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(ix.newBackoff(), ctx)); err != nil {
		return 0, fmt.Errorf("failed to resolve head block: %w", err)
	}
	return head, nil
}

func (ix *Indexer) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = retryBaseInterval
	b.MaxInterval = retryMaxInterval
	b.RandomizationFactor = retryJitter
	b.MaxElapsedTime = 0
	return b
}

// backFill catches the projection up to head, retrying whole attempts with
// exponential backoff. The cursor only advances on success.
func (ix *Indexer) backFill(ctx context.Context) error {
	op := func() error {
		head, err := ix.source.HeadBlock(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Back-fill head read failed, retrying")
			return err
		}
		if ix.nextBlock > head {
			return nil
		}
		if err := ix.syncRange(ctx, ix.nextBlock, head); err != nil {
			log.Warn().Err(err).Uint64("from", ix.nextBlock).Uint64("to", head).
				Msg("Back-fill attempt failed, retrying")
			return err
		}
		ix.advance(head)
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(ix.newBackoff(), ctx))
}

func (ix *Indexer) tailLoop(ctx context.Context) error {
	ticker := time.NewTicker(ix.cfg.PollInterval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		head, err := ix.source.HeadBlock(ctx)
		if err == nil && head < ix.nextBlock {
			failures = 0
			continue
		}
		if err == nil {
			err = ix.syncRange(ctx, ix.nextBlock, head)
			if err == nil {
				ix.advance(head)
				failures = 0
				continue
			}
		}

		if ctx.Err() != nil {
			return nil
		}
		ix.store.RecordTailError()
		failures++
		log.Error().Err(err).Int("consecutive", failures).Msg("Tail poll failed")

		if failures >= maxTailFailures {
			ix.setState(StatePaused)
			select {
			case ix.paused <- err:
			default:
			}
			log.Error().Msg("Indexer paused after repeated tail failures")
			select {
			case <-ctx.Done():
				return nil
			case <-ix.resume:
				failures = 0
				ix.setState(StateTailing)
				log.Info().Msg("Indexer resumed")
			}
		}
	}
}

func (ix *Indexer) advance(head uint64) {
	ix.nextBlock = head + 1
	ix.store.SetCursor(ix.nextBlock, head)
}

// syncRange ingests [from, to] with one parallel query per event kind.
// Decode failures drop the single record; query failures fail the range.
func (ix *Indexer) syncRange(ctx context.Context, from, to uint64) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, kind := range Kinds {
		kind := kind
		topic := chain.EventTopic(string(kind))
		g.Go(func() error {
			logs, err := ix.source.QueryLogs(gctx, topic, from, to)
			if err != nil {
				return fmt.Errorf("%s logs: %w", kind, err)
			}
			for _, vLog := range logs {
				ts, err := ix.source.BlockTimestamp(gctx, vLog.BlockNumber)
				if err != nil {
					return fmt.Errorf("%s timestamp for block %d: %w", kind, vLog.BlockNumber, err)
				}
				ev, err := DecodeLog(vLog, ts)
				if err != nil {
					log.Error().Err(err).
						Str("tx", vLog.TxHash.Hex()).
						Uint("logIndex", vLog.Index).
						Msg("Skipping undecodable log")
					continue
				}
				if !ix.store.Insert(ev) {
					continue
				}
				if lc, ok := ev.(LoanCreated); ok {
					ix.bus.Publish(LoanCreatedNotice{
						LoanID:            lc.LoanID,
						TokenAddress:      lc.TokenAddress,
						CollateralAddress: lc.CollateralAddress,
					})
				}
			}
			return nil
		})
	}
	return g.Wait()
}
