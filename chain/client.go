package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog/log"
)

var (
	// ErrPriceNotSet is returned by GetOraclePrice when the oracle holds no
	// value for the token (the contract reads back zero).
	ErrPriceNotSet = errors.New("oracle price not set")

	// ErrTxReverted is returned by AwaitReceipt when the transaction was
	// mined with status 0.
	ErrTxReverted = errors.New("transaction reverted")
)

const (
	defaultCallTimeout = 15 * time.Second
	receiptPollEvery   = 2 * time.Second
	fallbackGasLimit   = 500000
)

// Receipt is the subset of a transaction receipt the broadcaster acts on.
type Receipt struct {
	BlockNumber uint64
	GasUsed     uint64
}

// Config holds everything needed to talk to one chain.
type Config struct {
	RPCURL          string
	ContractAddress common.Address // DomaLend lending contract
	OracleAddress   common.Address // DomaRank oracle contract
	PrivateKeyHex   string         // signer for oracle writes
	CallTimeout     time.Duration
}

// Client wraps a single ethclient connection with the typed operations the
// indexer and broadcaster need. The signer nonce is serialized so concurrent
// submissions stay monotonic.
type Client struct {
	eth         *ethclient.Client
	contract    common.Address
	oracle      common.Address
	privateKey  *ecdsa.PrivateKey
	from        common.Address
	chainID     *big.Int
	callTimeout time.Duration

	nonceMu sync.Mutex
	nonce   uint64

	tsMu    sync.Mutex
	tsCache map[uint64]uint64
}

// Dial connects, verifies the endpoint answers, and primes the signer nonce.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	pk, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	from := crypto.PubkeyToAddress(pk.PublicKey)

	eth, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.RPCURL, err)
	}

	chainID, err := eth.ChainID(ctx)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}

	nonce, err := eth.PendingNonceAt(ctx, from)
	if err != nil {
		eth.Close()
		return nil, fmt.Errorf("failed to get signer nonce: %w", err)
	}

	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	log.Info().
		Str("rpc", cfg.RPCURL).
		Str("chainId", chainID.String()).
		Str("signer", from.Hex()).
		Msg("Chain client connected")

	return &Client{
		eth:         eth,
		contract:    cfg.ContractAddress,
		oracle:      cfg.OracleAddress,
		privateKey:  pk,
		from:        from,
		chainID:     chainID,
		callTimeout: timeout,
		nonce:       nonce,
		tsCache:     make(map[uint64]uint64),
	}, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() {
	c.eth.Close()
}

// SignerAddress returns the address oracle updates are sent from.
func (c *Client) SignerAddress() common.Address {
	return c.from
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, c.callTimeout)
}

// HeadBlock returns the current chain head height.
func (c *Client) HeadBlock(ctx context.Context) (uint64, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.eth.BlockNumber(ctx)
}

// QueryLogs fetches the contract's logs for one event topic over the
// inclusive range [from, to]. Wide ranges are the caller's job to chunk.
func (c *Client) QueryLogs(ctx context.Context, topic common.Hash, from, to uint64) ([]types.Log, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(from),
		ToBlock:   new(big.Int).SetUint64(to),
		Addresses: []common.Address{c.contract},
		Topics:    [][]common.Hash{{topic}},
	}
	return c.eth.FilterLogs(ctx, query)
}

// BlockTimestamp resolves a block number to its timestamp in seconds,
// caching results for the life of the client.
func (c *Client) BlockTimestamp(ctx context.Context, number uint64) (uint64, error) {
	c.tsMu.Lock()
	if ts, ok := c.tsCache[number]; ok {
		c.tsMu.Unlock()
		return ts, nil
	}
	c.tsMu.Unlock()

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	header, err := c.eth.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return 0, fmt.Errorf("failed to get header %d: %w", number, err)
	}

	c.tsMu.Lock()
	c.tsCache[number] = header.Time
	c.tsMu.Unlock()
	return header.Time, nil
}

// GetBalance returns the wei balance of an address at the latest block.
func (c *Client) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	return c.eth.BalanceAt(ctx, addr, nil)
}

// GetOraclePrice reads getTokenValue(token) from the DomaRank oracle.
// A zero reading is reported as ErrPriceNotSet.
func (c *Client) GetOraclePrice(ctx context.Context, token common.Address) (*big.Int, error) {
	data, err := oracleABI.Pack("getTokenValue", token)
	if err != nil {
		return nil, err
	}

	ctx, cancel := c.callCtx(ctx)
	defer cancel()

	result, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &c.oracle, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getTokenValue call failed: %w", err)
	}

	outputs, err := oracleABI.Unpack("getTokenValue", result)
	if err != nil {
		return nil, fmt.Errorf("failed to unpack getTokenValue: %w", err)
	}
	price := outputs[0].(*big.Int)
	if price.Sign() == 0 {
		return nil, ErrPriceNotSet
	}
	return price, nil
}

// SubmitOracleUpdate signs and sends updateTokenValue(token, priceWei).
// Submissions are serialized so nonces increase monotonically.
func (c *Client) SubmitOracleUpdate(ctx context.Context, token common.Address, priceWei *big.Int) (common.Hash, error) {
	data, err := oracleABI.Pack("updateTokenValue", token, priceWei)
	if err != nil {
		return common.Hash{}, err
	}
	return c.sendTx(ctx, c.oracle, data)
}

func (c *Client) sendTx(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()

	callCtx, cancel := c.callCtx(ctx)
	defer cancel()

	gasPrice, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to get gas price: %w", err)
	}

	gasLimit, err := c.eth.EstimateGas(callCtx, ethereum.CallMsg{
		From: c.from,
		To:   &to,
		Data: data,
	})
	if err != nil {
		log.Warn().Err(err).Msg("Gas estimation failed, using fallback")
		gasLimit = fallbackGasLimit
	}

	// Two attempts: a stale local nonce is refreshed from the pool once.
	var sendErr error
	for attempt := 0; attempt < 2; attempt++ {
		tx := types.NewTransaction(c.nonce, to, big.NewInt(0), gasLimit, gasPrice, data)
		signedTx, err := types.SignTx(tx, types.NewEIP155Signer(c.chainID), c.privateKey)
		if err != nil {
			return common.Hash{}, fmt.Errorf("failed to sign transaction: %w", err)
		}

		sendErr = c.eth.SendTransaction(callCtx, signedTx)
		if sendErr == nil {
			c.nonce++
			log.Info().Str("txHash", signedTx.Hash().Hex()).Msg("Transaction submitted")
			return signedTx.Hash(), nil
		}
		if !strings.Contains(sendErr.Error(), "nonce too low") {
			break
		}
		n, nerr := c.eth.PendingNonceAt(callCtx, c.from)
		if nerr != nil {
			break
		}
		c.nonce = n
	}
	return common.Hash{}, fmt.Errorf("failed to send transaction: %w", sendErr)
}

// AwaitReceipt polls for the receipt of a submitted transaction until it is
// mined or the timeout elapses. A mined status-0 receipt is ErrTxReverted.
func (c *Client) AwaitReceipt(ctx context.Context, txHash common.Hash, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(receiptPollEvery)
	defer ticker.Stop()

	for {
		receipt, err := c.eth.TransactionReceipt(ctx, txHash)
		if err == nil && receipt != nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return nil, fmt.Errorf("%w: %s", ErrTxReverted, txHash.Hex())
			}
			return &Receipt{
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("receipt wait for %s: %w", txHash.Hex(), ctx.Err())
			}
			log.Debug().Err(err).Str("txHash", txHash.Hex()).Msg("Receipt not available yet")
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("receipt wait for %s: %w", txHash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}
