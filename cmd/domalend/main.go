package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/domalend/domalend-node/config"
	"github.com/domalend/domalend-node/supervisor"
	"github.com/domalend/domalend-node/valuation"
)

const (
	exitConfigError  = 1
	exitRuntimeFault = 2
)

var rootCmd = &cobra.Command{
	Use:   "domalend",
	Short: "DomaLend off-chain node: event indexer and valuation oracle",
	Long: `The DomaLend node indexes the lending contract's events into a
queryable projection and broadcasts DomaRank valuations for fractional
domain tokens to the on-chain oracle.`,
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the indexer, valuation broadcaster and HTTP surface",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			log.Error().Err(err).Msg("Configuration invalid")
			os.Exit(exitConfigError)
		}

		if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
			zerolog.SetGlobalLevel(level)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Info().Msg("Starting DomaLend node")
		if err := supervisor.New(cfg).Run(ctx); err != nil {
			if config.IsConfigError(err) {
				log.Error().Err(err).Msg("Startup failed")
				os.Exit(exitConfigError)
			}
			log.Error().Err(err).Msg("Node exited with runtime fault")
			os.Exit(exitRuntimeFault)
		}
	},
}

var statusPort int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the health snapshot of a running node",
	Run: func(cmd *cobra.Command, args []string) {
		client := &http.Client{Timeout: 10 * time.Second}
		resp, err := client.Get(fmt.Sprintf("http://localhost:%d/health", statusPort))
		if err != nil {
			fmt.Fprintf(os.Stderr, "node unreachable: %v\n", err)
			os.Exit(exitRuntimeFault)
		}
		defer resp.Body.Close()

		var health map[string]any
		if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
			fmt.Fprintf(os.Stderr, "bad health response: %v\n", err)
			os.Exit(exitRuntimeFault)
		}
		pretty, _ := json.MarshalIndent(health, "", "  ")
		fmt.Println(string(pretty))
	},
}

var (
	valuateYearsOnChain     float64
	valuateYearsUntilExpiry float64
	valuateOffers           int
	valuatePriceUSD         string
)

var valuateCmd = &cobra.Command{
	Use:   "valuate [domain]",
	Short: "Score a single domain offline and print the breakdown",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		name := args[0]
		price, err := decimal.NewFromString(valuatePriceUSD)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid --price %q: %v\n", valuatePriceUSD, err)
			os.Exit(exitConfigError)
		}

		label := name
		tld := ""
		for i := len(name) - 1; i >= 0; i-- {
			if name[i] == '.' {
				label, tld = name[:i], name[i+1:]
				break
			}
		}

		v := valuation.Score(valuation.Metadata{
			Domain:           name,
			Label:            label,
			TLD:              tld,
			NameLength:       len(label),
			YearsOnChain:     decimal.NewFromFloat(valuateYearsOnChain),
			YearsUntilExpiry: decimal.NewFromFloat(valuateYearsUntilExpiry),
			ActiveOffers:     valuateOffers,
			LivePriceUSD:     price,
		})

		fmt.Printf("domain:        %s\n", name)
		fmt.Printf("age score:     %s\n", v.AgeScore.String())
		fmt.Printf("demand score:  %s\n", v.DemandScore.String())
		fmt.Printf("quality score: %s\n", v.QualityScore.String())
		fmt.Printf("DomaRank:      %s\n", v.DomaRank.String())
		if !v.HasValue {
			fmt.Println("valuation:     none (below minimum representable value)")
			return
		}
		fmt.Printf("valuation:     %s USD\n", v.ValuationUSD.StringFixed(2))
		fmt.Printf("on-chain wei:  %s\n", v.ValuationWei.String())
	},
}

func init() {
	statusCmd.Flags().IntVar(&statusPort, "port", 3001, "HTTP port of the running node")

	valuateCmd.Flags().Float64Var(&valuateYearsOnChain, "years-on-chain", 0, "years since fractionalization")
	valuateCmd.Flags().Float64Var(&valuateYearsUntilExpiry, "years-until-expiry", 0, "years until the domain expires")
	valuateCmd.Flags().IntVar(&valuateOffers, "offers", 0, "active offer count")
	valuateCmd.Flags().StringVar(&valuatePriceUSD, "price", "0", "live market price in USD")

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(valuateCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}
