package broadcaster

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/domalend/domalend-node/chain"
	"github.com/domalend/domalend-node/indexer"
	"github.com/domalend/domalend-node/subgraph"
)

const (
	testNow      = int64(1700000000)
	yearSeconds  = int64(31557600)
	cryptoIOAddr = "0xf2dd000000000000000000000000000000000001"
)

// cryptoIOWei is the expected on-chain value for the crypto.io fixture:
// DomaRank 98.2 on a 10000 USD live price.
var cryptoIOWei, _ = new(big.Int).SetString("9820000000000000000000", 10)

type submission struct {
	token common.Address
	wei   *big.Int
}

type fakeChain struct {
	mu          sync.Mutex
	balance     *big.Int
	prices      map[string]*big.Int
	submitErr   error
	revert      bool
	submissions []submission
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		balance: big.NewInt(1e18),
		prices:  make(map[string]*big.Int),
	}
}

func (f *fakeChain) SignerAddress() common.Address {
	return common.HexToAddress("0x00000000000000000000000000000000000000aa")
}

func (f *fakeChain) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.balance), nil
}

func (f *fakeChain) GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	price, ok := f.prices[strings.ToLower(token.Hex())]
	if !ok || price.Sign() == 0 {
		return nil, chain.ErrPriceNotSet
	}
	return new(big.Int).Set(price), nil
}

func (f *fakeChain) SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return common.Hash{}, f.submitErr
	}
	f.submissions = append(f.submissions, submission{token: token, wei: new(big.Int).Set(priceWei)})
	return common.HexToHash("0x1234"), nil
}

func (f *fakeChain) AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*chain.Receipt, error) {
	if f.revert {
		return nil, chain.ErrTxReverted
	}
	return &chain.Receipt{BlockNumber: 1300, GasUsed: 60000}, nil
}

func (f *fakeChain) submitted() []submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]submission, len(f.submissions))
	copy(out, f.submissions)
	return out
}

type fakeTokens struct {
	tokens     []subgraph.TokenSummary
	details    map[string]*subgraph.NameDetails
	listErr    error
	detailsErr map[string]error
}

func (f *fakeTokens) ListFractionalTokens(ctx context.Context) ([]subgraph.TokenSummary, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.tokens, nil
}

func (f *fakeTokens) GetNameDetails(ctx context.Context, domainName string) (*subgraph.NameDetails, error) {
	if err := f.detailsErr[domainName]; err != nil {
		return nil, err
	}
	d, ok := f.details[domainName]
	if !ok {
		return nil, errors.New("unknown domain")
	}
	return d, nil
}

func cryptoIOFixture() *fakeTokens {
	return &fakeTokens{
		tokens: []subgraph.TokenSummary{{
			Address:          cryptoIOAddr,
			Name:             "crypto.io",
			FractionalizedAt: testNow - 5*yearSeconds/2,
			CurrentPriceRaw:  "1000000000000", // 10000 USD in 8-dec raw
			Symbol:           "CRYPIO",
			Decimals:         18,
		}},
		details: map[string]*subgraph.NameDetails{
			"crypto.io": {
				ExpiresAt:         testNow + 8*yearSeconds,
				ActiveOffersCount: 12,
				TokenAddress:      cryptoIOAddr,
			},
		},
	}
}

func newTestBroadcaster(chainClient ChainWriter, tokens TokenSource) *Broadcaster {
	return New(chainClient, tokens, Config{
		Interval: time.Hour,
		Pacing:   time.Millisecond,
		Now:      func() time.Time { return time.Unix(testNow, 0) },
	})
}

func TestCycleWritesValuation(t *testing.T) {
	fc := newFakeChain()
	b := newTestBroadcaster(fc, cryptoIOFixture())

	result := b.RunOnce(context.Background())
	assert.Equal(t, CycleResult{Successes: 1}, result)

	subs := fc.submitted()
	require.Len(t, subs, 1)
	assert.Equal(t, common.HexToAddress(cryptoIOAddr), subs[0].token)
	assert.Zero(t, subs[0].wei.Cmp(cryptoIOWei), "wei %s", subs[0].wei)
}

func TestSuppressionSkipsSmallChange(t *testing.T) {
	fc := newFakeChain()
	// 9850e18 on-chain vs a new 9820e18: ~0.3% relative change.
	onChain, _ := new(big.Int).SetString("9850000000000000000000", 10)
	fc.prices[cryptoIOAddr] = onChain

	b := newTestBroadcaster(fc, cryptoIOFixture())
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{Skipped: 1}, result)
	assert.Empty(t, fc.submitted())
}

func TestLargeChangeIsWritten(t *testing.T) {
	fc := newFakeChain()
	onChain, _ := new(big.Int).SetString("5000000000000000000000", 10)
	fc.prices[cryptoIOAddr] = onChain

	b := newTestBroadcaster(fc, cryptoIOFixture())
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{Successes: 1}, result)
	require.Len(t, fc.submitted(), 1)
}

func TestBalanceFloorAbortsCycle(t *testing.T) {
	fc := newFakeChain()
	fc.balance = big.NewInt(1)

	b := New(fc, cryptoIOFixture(), Config{
		Interval:      time.Hour,
		Pacing:        time.Millisecond,
		MinReserveWei: big.NewInt(1000),
		Now:           func() time.Time { return time.Unix(testNow, 0) },
	})
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{}, result)
	assert.Empty(t, fc.submitted())
}

func TestListingFailureAbortsCycle(t *testing.T) {
	fc := newFakeChain()
	b := newTestBroadcaster(fc, &fakeTokens{listErr: errors.New("subgraph down")})

	result := b.RunOnce(context.Background())
	assert.Equal(t, CycleResult{}, result)
	assert.Empty(t, fc.submitted())
}

func TestDetailsFailureSkipsSingleToken(t *testing.T) {
	fc := newFakeChain()
	ft := cryptoIOFixture()
	ft.tokens = append(ft.tokens, subgraph.TokenSummary{
		Address:          "0xf2dd000000000000000000000000000000000002",
		Name:             "broken.com",
		FractionalizedAt: testNow - yearSeconds,
		CurrentPriceRaw:  "100000000",
	})
	ft.detailsErr = map[string]error{"broken.com": errors.New("boom")}

	b := newTestBroadcaster(fc, ft)
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{Successes: 1, Skipped: 1}, result)
	require.Len(t, fc.submitted(), 1)
}

func TestRevertedTransactionCountsFailed(t *testing.T) {
	fc := newFakeChain()
	fc.revert = true

	b := newTestBroadcaster(fc, cryptoIOFixture())
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{Failures: 1}, result)
}

func TestZeroPriceTokenSkipped(t *testing.T) {
	fc := newFakeChain()
	ft := cryptoIOFixture()
	ft.tokens[0].CurrentPriceRaw = "0"

	b := newTestBroadcaster(fc, ft)
	result := b.RunOnce(context.Background())

	assert.Equal(t, CycleResult{Skipped: 1}, result)
	assert.Empty(t, fc.submitted())
}

func TestEventTriggeredRefresh(t *testing.T) {
	fc := newFakeChain()
	b := newTestBroadcaster(fc, cryptoIOFixture())

	notices := make(chan indexer.LoanCreatedNotice, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, notices)
	}()

	// The startup cycle writes once and learns the token set.
	require.Eventually(t, func() bool {
		return len(fc.submitted()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	notices <- indexer.LoanCreatedNotice{
		LoanID:            "42",
		CollateralAddress: cryptoIOAddr,
	}
	require.Eventually(t, func() bool {
		return len(fc.submitted()) == 2
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, common.HexToAddress(cryptoIOAddr), fc.submitted()[1].token)

	// Collateral that is not a known domain token is ignored.
	notices <- indexer.LoanCreatedNotice{
		LoanID:            "43",
		CollateralAddress: "0x9999999999999999999999999999999999999999",
	}
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fc.submitted(), 2)

	cancel()
	<-done
}

func TestSuppressedPredicate(t *testing.T) {
	wei := func(s string) *big.Int {
		n, ok := new(big.Int).SetString(s, 10)
		require.True(t, ok)
		return n
	}

	// Zero on-chain value is never suppressed.
	assert.False(t, suppressed(wei("100"), wei("0"), 1))
	// Exactly 1% change is written (strict less-than).
	assert.False(t, suppressed(wei("101"), wei("100"), 1))
	// Under 1% is suppressed.
	assert.True(t, suppressed(wei("9820000000000000000000"), wei("9850000000000000000000"), 1))
	// Identical values are suppressed.
	assert.True(t, suppressed(wei("100"), wei("100"), 1))
}
