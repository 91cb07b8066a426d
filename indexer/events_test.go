package indexer

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domalend/domalend-node/chain"
)

func packEvent(t *testing.T, name string, vals ...interface{}) []byte {
	t.Helper()
	data, err := chain.LoanABI().Events[name].Inputs.Pack(vals...)
	require.NoError(t, err)
	return data
}

func loanCreatedLog(t *testing.T) types.Log {
	t.Helper()
	return types.Log{
		Address: common.HexToAddress("0x1111111111111111111111111111111111111111"),
		Topics:  []common.Hash{chain.EventTopic("LoanCreated")},
		Data: packEvent(t, "LoanCreated",
			big.NewInt(1),
			common.HexToAddress("0xAAaAaAaaAaAaAaaAaAAAAAAAAaaaAaAaAaaAaaAa"),
			common.HexToAddress("0xBBbBBBbbBBBbbbBbbBbbbbBBbBbbbbBbBbbBBbBB"),
			mustBig("1000000000000000000"),
			big.NewInt(500),
			big.NewInt(86400),
			common.HexToAddress("0xF2DD000000000000000000000000000000000000"),
			mustBig("2000000000000000000"),
			big.NewInt(15000),
			big.NewInt(12000),
			big.NewInt(3600),
		),
		BlockNumber: 1200,
		TxHash:      common.HexToHash("0xdead"),
		Index:       0,
	}
}

func mustBig(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		panic("bad big int " + s)
	}
	return n
}

func TestDecodeLoanCreated(t *testing.T) {
	ev, err := DecodeLog(loanCreatedLog(t), 1700000000)
	require.NoError(t, err)

	lc, ok := ev.(LoanCreated)
	require.True(t, ok)
	assert.Equal(t, KindLoanCreated, lc.EventKind())
	assert.Equal(t, EventID(common.HexToHash("0xdead"), 0), lc.ID)
	assert.Equal(t, "1200", lc.BlockNumber)
	assert.Equal(t, "1700000000", lc.BlockTimestamp)
	assert.Equal(t, "1", lc.LoanID)
	assert.Equal(t, "0xaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa", lc.Lender)
	assert.Equal(t, "1000000000000000000", lc.Amount)
	assert.Equal(t, "0xf2dd000000000000000000000000000000000000", lc.CollateralAddress)
	assert.Equal(t, "15000", lc.MinCollateralRatioBPS)
	assert.Equal(t, "0", lc.PriceUSD)
	assert.Equal(t, "0", lc.AmountUSD)
}

func TestDecodeLoanAcceptedUsesBlockTimestamp(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{chain.EventTopic("LoanAccepted")},
		Data: packEvent(t, "LoanAccepted",
			big.NewInt(7),
			common.HexToAddress("0xCcCCccccCCCCcCCCCCCcCcCccCcCCCcCcccccccC"),
			big.NewInt(17500),
		),
		BlockNumber: 1300,
		TxHash:      common.HexToHash("0xbeef"),
		Index:       2,
	}

	ev, err := DecodeLog(vLog, 1700000100)
	require.NoError(t, err)

	la := ev.(LoanAccepted)
	assert.Equal(t, "7", la.LoanID)
	assert.Equal(t, "1700000100", la.Timestamp)
	assert.Equal(t, "17500", la.InitialCollateralRatio)

	// The record sorts by its own timestamp field.
	ts, ok := la.SortValue("timestamp")
	require.True(t, ok)
	assert.Equal(t, "1700000100", ts)
}

func TestDecodeLoanOfferRemoved(t *testing.T) {
	vLog := types.Log{
		Topics:      []common.Hash{chain.EventTopic("LoanOfferRemoved")},
		Data:        packEvent(t, "LoanOfferRemoved", big.NewInt(9), "collateral ratio too low"),
		BlockNumber: 1400,
		TxHash:      common.HexToHash("0x1234"),
		Index:       1,
	}

	ev, err := DecodeLog(vLog, 1700000200)
	require.NoError(t, err)
	assert.Equal(t, "collateral ratio too low", ev.(LoanOfferRemoved).Reason)
}

func TestDecodeRejectsUnknownTopic(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{common.HexToHash("0xffff")},
		TxHash: common.HexToHash("0x1"),
	}
	_, err := DecodeLog(vLog, 0)
	assert.Error(t, err)
}

func TestDecodeRejectsShortData(t *testing.T) {
	vLog := types.Log{
		Topics: []common.Hash{chain.EventTopic("LoanCreated")},
		Data:   []byte{0x01, 0x02},
		TxHash: common.HexToHash("0x1"),
	}
	_, err := DecodeLog(vLog, 0)
	assert.Error(t, err)
}

func TestDecodeRejectsNoTopics(t *testing.T) {
	_, err := DecodeLog(types.Log{TxHash: common.HexToHash("0x1")}, 0)
	assert.Error(t, err)
}

func TestEventIDFormat(t *testing.T) {
	hash := common.HexToHash("0xdead")
	assert.Equal(t, hash.Hex()+"-5", EventID(hash, 5))
}
