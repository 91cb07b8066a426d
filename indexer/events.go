package indexer

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/domalend/domalend-node/chain"
)

// Kind names one projected event family. The values match the DomaLend
// contract's event names.
type Kind string

const (
	KindLoanCreated        Kind = "LoanCreated"
	KindLoanAccepted       Kind = "LoanAccepted"
	KindLoanRepaid         Kind = "LoanRepaid"
	KindLoanLiquidated     Kind = "LoanLiquidated"
	KindLoanOfferCancelled Kind = "LoanOfferCancelled"
	KindLoanOfferRemoved   Kind = "LoanOfferRemoved"
	KindOracleAddressSet   Kind = "OracleAddressSet"
)

// Kinds lists every projected kind in a stable order.
var Kinds = []Kind{
	KindLoanCreated,
	KindLoanAccepted,
	KindLoanRepaid,
	KindLoanLiquidated,
	KindLoanOfferCancelled,
	KindLoanOfferRemoved,
	KindOracleAddressSet,
}

// Event is one projected contract event record. Records are immutable once
// inserted; SortValue exposes the numeric fields reads may order by.
type Event interface {
	EventID() string
	EventKind() Kind
	SortValue(field string) (string, bool)
}

// Meta carries the identity and placement every record shares.
// The id is txHash-logIndex, which survives back-fill/tail overlap.
type Meta struct {
	ID              string `json:"id"`
	BlockNumber     string `json:"blockNumber"`
	BlockTimestamp  string `json:"blockTimestamp"`
	TransactionHash string `json:"transactionHash"`
}

// EventID implements Event.
func (m Meta) EventID() string { return m.ID }

// SortValue implements the base ordering fields.
func (m Meta) SortValue(field string) (string, bool) {
	switch field {
	case "blockNumber":
		return m.BlockNumber, true
	case "blockTimestamp":
		return m.BlockTimestamp, true
	}
	return "", false
}

// LoanCreated is a new loan offer. PriceUSD and AmountUSD are reserved for a
// later enrichment pass and stay "0" at ingest.
type LoanCreated struct {
	Meta
	LoanID                  string `json:"loanId"`
	Lender                  string `json:"lender"`
	TokenAddress            string `json:"tokenAddress"`
	Amount                  string `json:"amount"`
	InterestRate            string `json:"interestRate"`
	Duration                string `json:"duration"`
	CollateralAddress       string `json:"collateralAddress"`
	CollateralAmount        string `json:"collateralAmount"`
	MinCollateralRatioBPS   string `json:"minCollateralRatioBPS"`
	LiquidationThresholdBPS string `json:"liquidationThresholdBPS"`
	MaxPriceStaleness       string `json:"maxPriceStaleness"`
	PriceUSD                string `json:"priceUSD"`
	AmountUSD               string `json:"amountUSD"`
}

func (LoanCreated) EventKind() Kind { return KindLoanCreated }

// LoanAccepted records a borrower taking a loan offer.
type LoanAccepted struct {
	Meta
	LoanID                 string `json:"loanId"`
	Borrower               string `json:"borrower"`
	Timestamp              string `json:"timestamp"`
	InitialCollateralRatio string `json:"initialCollateralRatio,omitempty"`
}

func (LoanAccepted) EventKind() Kind { return KindLoanAccepted }

func (e LoanAccepted) SortValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.SortValue(field)
}

type LoanRepaid struct {
	Meta
	LoanID          string `json:"loanId"`
	Borrower        string `json:"borrower"`
	RepaymentAmount string `json:"repaymentAmount"`
	Timestamp       string `json:"timestamp"`
}

func (LoanRepaid) EventKind() Kind { return KindLoanRepaid }

func (e LoanRepaid) SortValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.SortValue(field)
}

type LoanLiquidated struct {
	Meta
	LoanID                    string `json:"loanId"`
	Liquidator                string `json:"liquidator"`
	CollateralClaimedByLender string `json:"collateralClaimedByLender"`
	LiquidatorReward          string `json:"liquidatorReward"`
	Timestamp                 string `json:"timestamp"`
}

func (LoanLiquidated) EventKind() Kind { return KindLoanLiquidated }

func (e LoanLiquidated) SortValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.SortValue(field)
}

type LoanOfferCancelled struct {
	Meta
	LoanID    string `json:"loanId"`
	Lender    string `json:"lender"`
	Timestamp string `json:"timestamp"`
}

func (LoanOfferCancelled) EventKind() Kind { return KindLoanOfferCancelled }

func (e LoanOfferCancelled) SortValue(field string) (string, bool) {
	if field == "timestamp" {
		return e.Timestamp, true
	}
	return e.Meta.SortValue(field)
}

type LoanOfferRemoved struct {
	Meta
	LoanID string `json:"loanId"`
	Reason string `json:"reason"`
}

func (LoanOfferRemoved) EventKind() Kind { return KindLoanOfferRemoved }

type OracleAddressSet struct {
	Meta
	NewOracleAddress string `json:"newOracleAddress"`
}

func (OracleAddressSet) EventKind() Kind { return KindOracleAddressSet }

// EventID builds the synthetic record identity from a log's placement.
func EventID(txHash common.Hash, logIndex uint) string {
	return fmt.Sprintf("%s-%d", txHash.Hex(), logIndex)
}

func lowerHex(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// DecodeLog turns a raw contract log into a typed record. The topic must
// belong to a known DomaLend event; missing or short data is an error, never
// a zero-filled record.
func DecodeLog(vLog types.Log, blockTimestamp uint64) (Event, error) {
	if len(vLog.Topics) == 0 {
		return nil, fmt.Errorf("log %s has no topics", vLog.TxHash.Hex())
	}
	name, ok := chain.EventNameByTopic(vLog.Topics[0])
	if !ok {
		return nil, fmt.Errorf("unknown event topic %s", vLog.Topics[0].Hex())
	}

	vals, err := chain.LoanABI().Unpack(name, vLog.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack %s: %w", name, err)
	}

	meta := Meta{
		ID:              EventID(vLog.TxHash, vLog.Index),
		BlockNumber:     fmt.Sprintf("%d", vLog.BlockNumber),
		BlockTimestamp:  fmt.Sprintf("%d", blockTimestamp),
		TransactionHash: vLog.TxHash.Hex(),
	}
	ts := meta.BlockTimestamp

	switch Kind(name) {
	case KindLoanCreated:
		if len(vals) < 11 {
			return nil, fmt.Errorf("LoanCreated: want 11 fields, got %d", len(vals))
		}
		return LoanCreated{
			Meta:                    meta,
			LoanID:                  vals[0].(*big.Int).String(),
			Lender:                  lowerHex(vals[1].(common.Address)),
			TokenAddress:            lowerHex(vals[2].(common.Address)),
			Amount:                  vals[3].(*big.Int).String(),
			InterestRate:            vals[4].(*big.Int).String(),
			Duration:                vals[5].(*big.Int).String(),
			CollateralAddress:       lowerHex(vals[6].(common.Address)),
			CollateralAmount:        vals[7].(*big.Int).String(),
			MinCollateralRatioBPS:   vals[8].(*big.Int).String(),
			LiquidationThresholdBPS: vals[9].(*big.Int).String(),
			MaxPriceStaleness:       vals[10].(*big.Int).String(),
			PriceUSD:                "0",
			AmountUSD:               "0",
		}, nil

	case KindLoanAccepted:
		if len(vals) < 3 {
			return nil, fmt.Errorf("LoanAccepted: want 3 fields, got %d", len(vals))
		}
		return LoanAccepted{
			Meta:                   meta,
			LoanID:                 vals[0].(*big.Int).String(),
			Borrower:               lowerHex(vals[1].(common.Address)),
			Timestamp:              ts,
			InitialCollateralRatio: vals[2].(*big.Int).String(),
		}, nil

	case KindLoanRepaid:
		if len(vals) < 3 {
			return nil, fmt.Errorf("LoanRepaid: want 3 fields, got %d", len(vals))
		}
		return LoanRepaid{
			Meta:            meta,
			LoanID:          vals[0].(*big.Int).String(),
			Borrower:        lowerHex(vals[1].(common.Address)),
			RepaymentAmount: vals[2].(*big.Int).String(),
			Timestamp:       ts,
		}, nil

	case KindLoanLiquidated:
		if len(vals) < 4 {
			return nil, fmt.Errorf("LoanLiquidated: want 4 fields, got %d", len(vals))
		}
		return LoanLiquidated{
			Meta:                      meta,
			LoanID:                    vals[0].(*big.Int).String(),
			Liquidator:                lowerHex(vals[1].(common.Address)),
			CollateralClaimedByLender: vals[2].(*big.Int).String(),
			LiquidatorReward:          vals[3].(*big.Int).String(),
			Timestamp:                 ts,
		}, nil

	case KindLoanOfferCancelled:
		if len(vals) < 2 {
			return nil, fmt.Errorf("LoanOfferCancelled: want 2 fields, got %d", len(vals))
		}
		return LoanOfferCancelled{
			Meta:      meta,
			LoanID:    vals[0].(*big.Int).String(),
			Lender:    lowerHex(vals[1].(common.Address)),
			Timestamp: ts,
		}, nil

	case KindLoanOfferRemoved:
		if len(vals) < 2 {
			return nil, fmt.Errorf("LoanOfferRemoved: want 2 fields, got %d", len(vals))
		}
		return LoanOfferRemoved{
			Meta:   meta,
			LoanID: vals[0].(*big.Int).String(),
			Reason: vals[1].(string),
		}, nil

	case KindOracleAddressSet:
		if len(vals) < 1 {
			return nil, fmt.Errorf("OracleAddressSet: want 1 field, got %d", len(vals))
		}
		return OracleAddressSet{
			Meta:             meta,
			NewOracleAddress: lowerHex(vals[0].(common.Address)),
		}, nil
	}

	return nil, fmt.Errorf("unhandled event %s", name)
}
