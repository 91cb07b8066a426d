// Package broadcaster drives the valuation oracle: periodic full cycles
// over every fractional domain token, plus event-triggered refreshes for
// tokens that just became loan collateral.
package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/domalend/domalend-node/chain"
	"github.com/domalend/domalend-node/indexer"
	"github.com/domalend/domalend-node/subgraph"
	"github.com/domalend/domalend-node/valuation"
)

const (
	// DefaultInterval is the periodic cycle cadence.
	DefaultInterval = 10 * time.Minute

	// DefaultSuppressionPct is the minimum relative change, in whole
	// percent, that justifies an on-chain write.
	DefaultSuppressionPct = 1

	receiptTimeout = 120 * time.Second

	// DefaultPacing is the minimum gap between consecutive submissions.
	DefaultPacing = 2 * time.Second

	shutdownGrace = 10 * time.Second
)

// ChainWriter is the slice of the chain client the broadcaster uses.
type ChainWriter interface {
	SignerAddress() common.Address
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error)
	SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error)
	AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*chain.Receipt, error)
}

// TokenSource is the slice of the subgraph client the broadcaster uses.
type TokenSource interface {
	ListFractionalTokens(ctx context.Context) ([]subgraph.TokenSummary, error)
	GetNameDetails(ctx context.Context, domainName string) (*subgraph.NameDetails, error)
}

// Config tunes one Broadcaster.
type Config struct {
	Interval       time.Duration
	MinReserveWei  *big.Int
	SuppressionPct int64
	Pacing         time.Duration
	// Now overrides the clock in tests; nil means time.Now.
	Now func() time.Time
}

// CycleResult summarizes one periodic cycle.
type CycleResult struct {
	Successes int
	Failures  int
	Skipped   int
}

type outcome int

const (
	outcomeSuccess outcome = iota
	outcomeSkipped
	outcomeFailed
)

// Broadcaster combines the subgraph, the valuation engine and the chain
// client into the write path of the oracle.
type Broadcaster struct {
	chain  ChainWriter
	tokens TokenSource
	cfg    Config

	mu    sync.RWMutex
	known map[string]subgraph.TokenSummary // lowercase address -> summary

	flight singleflight.Group
}

// New wires a broadcaster.
func New(chainClient ChainWriter, tokens TokenSource, cfg Config) *Broadcaster {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.SuppressionPct <= 0 {
		cfg.SuppressionPct = DefaultSuppressionPct
	}
	if cfg.Pacing <= 0 {
		cfg.Pacing = DefaultPacing
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Broadcaster{
		chain:  chainClient,
		tokens: tokens,
		cfg:    cfg,
		known:  make(map[string]subgraph.TokenSummary),
	}
}

// Run executes one immediate cycle, then alternates between the periodic
// timer and loan-created notices until ctx is cancelled.
func (b *Broadcaster) Run(ctx context.Context, notices <-chan indexer.LoanCreatedNotice) {
	b.RunOnce(ctx)

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.RunOnce(ctx)
		case notice, ok := <-notices:
			if !ok {
				return
			}
			b.handleNotice(ctx, notice)
		}
	}
}

// RunOnce executes one full valuation cycle.
func (b *Broadcaster) RunOnce(ctx context.Context) CycleResult {
	var result CycleResult

	bal, err := b.chain.GetBalance(ctx, b.chain.SignerAddress())
	if err != nil {
		log.Error().Err(err).Msg("Balance pre-flight failed, skipping cycle")
		return result
	}
	if b.cfg.MinReserveWei != nil && bal.Cmp(b.cfg.MinReserveWei) < 0 {
		log.Warn().
			Str("balance", bal.String()).
			Str("floor", b.cfg.MinReserveWei.String()).
			Msg("Signer balance under gas reserve, skipping cycle")
		return result
	}

	tokens, err := b.tokens.ListFractionalTokens(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Token listing failed, cycle aborted")
		return result
	}
	b.setKnown(tokens)

	for _, token := range tokens {
		if ctx.Err() != nil {
			break
		}
		switch b.refreshToken(ctx, token) {
		case outcomeSuccess:
			result.Successes++
		case outcomeSkipped:
			result.Skipped++
		case outcomeFailed:
			result.Failures++
		}
	}

	log.Info().
		Int("successes", result.Successes).
		Int("failures", result.Failures).
		Int("skipped", result.Skipped).
		Int("tokens", len(tokens)).
		Msg("Valuation cycle complete")
	return result
}

func (b *Broadcaster) setKnown(tokens []subgraph.TokenSummary) {
	known := make(map[string]subgraph.TokenSummary, len(tokens))
	for _, t := range tokens {
		known[strings.ToLower(t.Address)] = t
	}
	b.mu.Lock()
	b.known = known
	b.mu.Unlock()
}

// KnownToken reports whether an address belongs to a fractional domain
// token seen in the last successful listing.
func (b *Broadcaster) KnownToken(addr string) (subgraph.TokenSummary, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.known[strings.ToLower(addr)]
	return t, ok
}

func (b *Broadcaster) handleNotice(ctx context.Context, n indexer.LoanCreatedNotice) {
	token, ok := b.KnownToken(n.CollateralAddress)
	if !ok {
		return
	}
	log.Info().
		Str("loanId", n.LoanID).
		Str("collateral", n.CollateralAddress).
		Msg("Refreshing collateral valuation for new loan")
	b.refreshToken(ctx, token)
}

// refreshToken values one token and writes the result on-chain unless the
// change is economically insignificant. Concurrent refreshes of the same
// token collapse into one.
func (b *Broadcaster) refreshToken(ctx context.Context, token subgraph.TokenSummary) outcome {
	key := strings.ToLower(token.Address)
	res, _, _ := b.flight.Do(key, func() (any, error) {
		return b.refresh(ctx, token), nil
	})
	return res.(outcome)
}

func (b *Broadcaster) refresh(ctx context.Context, token subgraph.TokenSummary) outcome {
	details, err := b.tokens.GetNameDetails(ctx, token.Name)
	if err != nil {
		log.Warn().Err(err).Str("domain", token.Name).Msg("Name details unavailable, token skipped")
		return outcomeSkipped
	}

	md, err := valuation.Derive(
		token.Name,
		token.FractionalizedAt,
		details.ExpiresAt,
		b.cfg.Now().Unix(),
		details.ActiveOffersCount,
		token.CurrentPriceRaw,
	)
	if err != nil {
		log.Warn().Err(err).Str("domain", token.Name).Msg("Metadata derivation failed, token skipped")
		return outcomeSkipped
	}

	val := valuation.Score(md)
	if !val.HasValue {
		log.Debug().Str("domain", token.Name).Msg("No valuation, token skipped")
		return outcomeSkipped
	}

	addr := common.HexToAddress(token.Address)
	onChain, err := b.chain.GetOraclePrice(ctx, addr)
	if err != nil && !errors.Is(err, chain.ErrPriceNotSet) {
		log.Error().Err(err).Str("domain", token.Name).Msg("On-chain price read failed")
		return outcomeFailed
	}
	if onChain == nil {
		onChain = new(big.Int)
	}

	if suppressed(val.ValuationWei, onChain, b.cfg.SuppressionPct) {
		log.Debug().
			Str("domain", token.Name).
			Str("onChain", onChain.String()).
			Str("new", val.ValuationWei.String()).
			Msg("Change under suppression threshold, token skipped")
		return outcomeSkipped
	}

	txHash, err := b.chain.SubmitOracleUpdate(ctx, addr, val.ValuationWei)
	if err != nil {
		log.Error().Err(err).Str("domain", token.Name).Msg("Oracle update submission failed")
		return outcomeFailed
	}

	receipt, err := b.chain.AwaitReceipt(ctx, txHash, receiptTimeout)
	if err != nil && ctx.Err() != nil {
		// Shutdown mid-wait: the in-flight write gets a bounded grace
		// window to land before the process exits.
		graceCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		receipt, err = b.chain.AwaitReceipt(graceCtx, txHash, shutdownGrace)
		cancel()
	}
	if err != nil {
		log.Error().Err(err).
			Str("domain", token.Name).
			Str("txHash", txHash.Hex()).
			Msg("Oracle update not confirmed")
		return outcomeFailed
	}

	log.Info().
		Str("domain", token.Name).
		Str("domaRank", val.DomaRank.String()).
		Str("valuationUSD", val.ValuationUSD.StringFixed(2)).
		Str("txHash", txHash.Hex()).
		Uint64("block", receipt.BlockNumber).
		Uint64("gasUsed", receipt.GasUsed).
		Msg("Valuation written on-chain")

	select {
	case <-time.After(b.cfg.Pacing):
	case <-ctx.Done():
	}
	return outcomeSuccess
}

// suppressed reports whether |new-onChain| is under pct percent of the
// on-chain value. A zero on-chain value is never suppressed.
func suppressed(newWei, onChain *big.Int, pct int64) bool {
	if onChain.Sign() <= 0 {
		return false
	}
	diff := new(big.Int).Sub(newWei, onChain)
	diff.Abs(diff)
	diff.Mul(diff, big.NewInt(100))
	threshold := new(big.Int).Mul(onChain, big.NewInt(pct))
	return diff.Cmp(threshold) < 0
}
