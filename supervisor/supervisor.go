// Package supervisor wires the components and owns the process lifecycle.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/domalend/domalend-node/api"
	"github.com/domalend/domalend-node/broadcaster"
	"github.com/domalend/domalend-node/chain"
	"github.com/domalend/domalend-node/config"
	"github.com/domalend/domalend-node/indexer"
	"github.com/domalend/domalend-node/subgraph"
)

// shutdownDeadline is the hard cap on graceful teardown.
const shutdownDeadline = 30 * time.Second

// Supervisor constructs every component, starts the long-lived loops in
// order, and tears them down on the shutdown signal.
type Supervisor struct {
	cfg *config.Config
}

// New returns a supervisor for one validated configuration.
func New(cfg *config.Config) *Supervisor {
	return &Supervisor{cfg: cfg}
}

// Run blocks until ctx is cancelled or a fatal startup fault occurs.
// Startup faults wrap config.Error so the CLI maps them to exit code 1.
func (s *Supervisor) Run(ctx context.Context) error {
	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:          s.cfg.RPCURL,
		ContractAddress: s.cfg.ContractAddress,
		OracleAddress:   s.cfg.OracleAddress,
		PrivateKeyHex:   s.cfg.PrivateKeyHex,
	})
	if err != nil {
		return config.Errorf("chain client: %v", err)
	}
	defer chainClient.Close()

	subgraphClient, err := subgraph.NewClient(s.cfg.SubgraphURL, s.cfg.SubgraphAPIKey)
	if err != nil {
		return config.Errorf("subgraph client: %v", err)
	}

	store := indexer.NewStore()
	bus := indexer.NewBus()

	ix := indexer.New(chainClient, store, bus, indexer.Config{
		StartBlock:   s.cfg.StartBlock,
		PollInterval: s.cfg.PollInterval,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ix.Run(ctx); err != nil {
			log.Error().Err(err).Msg("Indexer loop exited with error")
		}
	}()

	// The HTTP surface waits for the indexer to leave Initializing.
	select {
	case <-ix.Ready():
	case <-ctx.Done():
		wg.Wait()
		return nil
	}

	srv := api.NewServer(store, bus, s.cfg.Port, s.cfg.CORSOrigin)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	notices := bus.Subscribe(indexer.DefaultNoticeBuffer)
	bc := broadcaster.New(chainClient, subgraphClient, broadcaster.Config{
		Interval:       s.cfg.BroadcastInterval,
		MinReserveWei:  s.cfg.MinGasReserveWei,
		SuppressionPct: s.cfg.SuppressionPct,
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		bc.Run(ctx, notices)
	}()

	log.Info().Msg("DomaLend node is fully operational")

	for {
		select {
		case <-ctx.Done():
			return s.shutdown(srv, &wg)
		case err := <-ix.Paused():
			// The tail loop pauses itself after repeated failures; the RPC
			// is assumed to recover, so resume and keep counting.
			log.Error().Err(err).Msg("Indexer paused, resuming after cooldown")
			select {
			case <-time.After(s.cfg.PollInterval):
			case <-ctx.Done():
				return s.shutdown(srv, &wg)
			}
			ix.Resume()
		}
	}
}

func (s *Supervisor) shutdown(srv *api.Server, wg *sync.WaitGroup) error {
	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownDeadline)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("HTTP shutdown did not drain cleanly")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("All loops stopped")
		return nil
	case <-shutdownCtx.Done():
		return fmt.Errorf("shutdown deadline exceeded")
	}
}
