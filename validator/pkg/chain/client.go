package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jonboulle/clockwork"
)

// Backend is the subset of ethclient.Client used by Client.
type Backend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

var _ Backend = (*ethclient.Client)(nil)

type ClientConfig struct {
	Logger  *slog.Logger
	Clock   clockwork.Clock
	Backend Backend

	// Signer is required only for Transact.
	Signer *Signer

	// CallTimeout bounds each individual RPC round trip.
	CallTimeout time.Duration
	// ReceiptTimeout bounds how long Transact waits for the transaction to be mined.
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
	// GasMultiplier pads the estimated gas limit, in percent. 0 means 120.
	GasMultiplier uint64
}

func (cfg *ClientConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Backend == nil {
		return errors.New("backend is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = 2 * time.Minute
	}
	if cfg.ReceiptPollInterval <= 0 {
		cfg.ReceiptPollInterval = 2 * time.Second
	}
	if cfg.GasMultiplier == 0 {
		cfg.GasMultiplier = 120
	}
	return nil
}

// Client is a thin typed transport over an EVM JSON-RPC endpoint. It performs
// no retries; every failure is classified as ErrRemoteUnavailable or
// ErrRemoteRejected for the caller's retry policy.
type Client struct {
	log *slog.Logger
	cfg ClientConfig

	mu      sync.Mutex
	pending map[string]*pendingTx
}

// pendingTx is a sent transaction whose receipt has not been seen yet. The next
// Transact for the same method settles it first so one logical submission never
// occupies two nonces.
type pendingTx struct {
	hash     common.Hash
	nonce    uint64
	gasPrice *big.Int
}

func NewClient(cfg ClientConfig) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{log: cfg.Logger, cfg: cfg, pending: make(map[string]*pendingTx)}, nil
}

// Dial connects to rpcURL and returns the backend for NewClient.
func Dial(ctx context.Context, rpcURL string) (*ethclient.Client, error) {
	c, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return c, nil
}

// BlockNumber returns the current block height.
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	n, err := c.cfg.Backend.BlockNumber(callCtx)
	if err != nil {
		return 0, classify(ctx, "eth_blockNumber", err)
	}
	return n, nil
}

// Call invokes a view function and returns its decoded outputs.
func (c *Client) Call(ctx context.Context, contract *Contract, method string, args ...any) ([]any, error) {
	data, err := contract.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	to := contract.Address
	out, err := c.cfg.Backend.CallContract(callCtx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err != nil {
		return nil, classify(ctx, method, err)
	}

	values, err := contract.ABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to decode result: %w", ErrRemoteRejected, method, err)
	}
	return values, nil
}

// Transact signs and sends a state-changing call, then waits until it is mined.
// A receipt with a failed status yields ErrTransactionReverted (tagged rejected).
//
// If an earlier Transact for the same method gave up waiting, its transaction is
// looked up first and returned if mined. Otherwise it is replaced at the same
// nonce with a bumped gas price, so at most one of the two can land.
func (c *Client) Transact(ctx context.Context, contract *Contract, method string, args ...any) (*types.Receipt, error) {
	if c.cfg.Signer == nil {
		return nil, errors.New("signer is required to send transactions")
	}
	data, err := contract.ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to pack %s: %w", method, err)
	}

	prev := c.pendingFor(method)
	if prev != nil {
		if receipt, ok := c.lookupReceipt(ctx, prev.hash); ok {
			c.log.Info("chain: earlier transaction was mined", "method", method, "tx_hash", prev.hash.Hex())
			c.setPending(method, nil)
			return c.checkReceipt(method, receipt)
		}
	}

	from := c.cfg.Signer.Address()
	to := contract.Address

	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()

	chainID, err := c.cfg.Backend.ChainID(callCtx)
	if err != nil {
		return nil, classify(ctx, "eth_chainId", err)
	}
	gasPrice, err := c.cfg.Backend.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, classify(ctx, "eth_gasPrice", err)
	}
	var nonce uint64
	if prev != nil {
		nonce = prev.nonce
		if bumped := bumpGasPrice(prev.gasPrice); gasPrice.Cmp(bumped) < 0 {
			gasPrice = bumped
		}
	} else {
		nonce, err = c.cfg.Backend.PendingNonceAt(callCtx, from)
		if err != nil {
			return nil, classify(ctx, "eth_getTransactionCount", err)
		}
	}
	gas, err := c.cfg.Backend.EstimateGas(callCtx, ethereum.CallMsg{From: from, To: &to, Data: data})
	if err != nil {
		return nil, classify(ctx, "eth_estimateGas", err)
	}
	gas = gas * c.cfg.GasMultiplier / 100

	tx, err := c.cfg.Signer.Sign(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       &to,
		Data:     data,
	}), chainID)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s transaction: %w", method, err)
	}

	if err := c.cfg.Backend.SendTransaction(callCtx, tx); err != nil {
		if prev != nil && strings.Contains(strings.ToLower(err.Error()), "nonce too low") {
			// The nonce was consumed after the lookup above, most likely by prev.
			if receipt, ok := c.lookupReceipt(ctx, prev.hash); ok {
				c.setPending(method, nil)
				return c.checkReceipt(method, receipt)
			}
			c.setPending(method, nil)
		}
		return nil, classify(ctx, "eth_sendRawTransaction", err)
	}
	c.setPending(method, &pendingTx{hash: tx.Hash(), nonce: nonce, gasPrice: gasPrice})
	c.log.Debug("chain: transaction sent", "method", method, "tx_hash", tx.Hash().Hex(), "nonce", nonce, "gas", gas, "replaces", prev != nil)

	receipt, err := c.waitMined(ctx, tx.Hash())
	if err != nil {
		return nil, err
	}
	c.setPending(method, nil)
	return c.checkReceipt(method, receipt)
}

func (c *Client) checkReceipt(method string, receipt *types.Receipt) (*types.Receipt, error) {
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%w: %s: %w (tx %s)", ErrRemoteRejected, method, ErrTransactionReverted, receipt.TxHash.Hex())
	}
	return receipt, nil
}

func (c *Client) pendingFor(method string) *pendingTx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[method]
}

func (c *Client) setPending(method string, tx *pendingTx) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tx == nil {
		delete(c.pending, method)
		return
	}
	c.pending[method] = tx
}

// lookupReceipt does a single receipt query.
func (c *Client) lookupReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, bool) {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	receipt, err := c.cfg.Backend.TransactionReceipt(callCtx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.log.Debug("chain: receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		return nil, false
	}
	return receipt, true
}

// bumpGasPrice returns price raised by 12.5%, above the 10% most pools require
// to accept a replacement.
func bumpGasPrice(price *big.Int) *big.Int {
	bumped := new(big.Int).Mul(price, big.NewInt(9))
	return bumped.Div(bumped, big.NewInt(8))
}

func (c *Client) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := c.cfg.Clock.Now().Add(c.cfg.ReceiptTimeout)
	ticker := c.cfg.Clock.NewTicker(c.cfg.ReceiptPollInterval)
	defer ticker.Stop()

	for {
		if receipt, ok := c.lookupReceipt(ctx, hash); ok {
			return receipt, nil
		}
		if !c.cfg.Clock.Now().Before(deadline) {
			return nil, fmt.Errorf("%w: transaction %s not mined within %s", ErrRemoteUnavailable, hash.Hex(), c.cfg.ReceiptTimeout)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.Chan():
		}
	}
}
