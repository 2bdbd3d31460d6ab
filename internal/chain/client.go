package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"whale-mirror/internal/logging"
)

const receiptPollInterval = 2 * time.Second

// ClientOptions parameterise the RPC-backed reader.
type ClientOptions struct {
	RPCURL  string
	ChainID int64
	Timeout time.Duration
}

// Client implements Reader and ContractCaller over go-ethereum's ethclient.
// The connection is dialed lazily on first use; each Client owns its own connection.
type Client struct {
	opts   ClientOptions
	logger zerolog.Logger

	clientMux sync.Mutex
	client    *ethclient.Client
	signer    types.Signer
}

// NewClient builds a new chain client.
func NewClient(opts ClientOptions, logger zerolog.Logger) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Client{opts: opts, logger: logging.Component(logger, "chain_client")}
}

// CurrentHeight returns the latest block number.
func (c *Client) CurrentHeight(ctx context.Context) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	height, err := client.BlockNumber(ctx)
	if err != nil {
		return 0, fmt.Errorf("block number: %w", err)
	}
	return height, nil
}

// GetBlock fetches a block. Transactions are decoded only when includeTxs is set;
// TxCount is always populated.
func (c *Client) GetBlock(ctx context.Context, number uint64, includeTxs bool) (*Block, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, signer, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	raw, err := client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return nil, fmt.Errorf("block %d: %w", number, err)
	}

	txs := raw.Transactions()
	block := &Block{
		Number:  raw.NumberU64(),
		Time:    raw.Time(),
		BaseFee: raw.BaseFee(),
		TxCount: len(txs),
	}
	if !includeTxs {
		return block, nil
	}

	block.Transactions = make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		from, err := types.Sender(signer, tx)
		if err != nil {
			c.logger.Debug().Err(err).Str("tx", tx.Hash().Hex()).Msg("skip transaction with unrecoverable sender")
			continue
		}
		block.Transactions = append(block.Transactions, toTransaction(tx, from))
	}
	return block, nil
}

// GetTransaction fetches a transaction by hash.
func (c *Client) GetTransaction(ctx context.Context, hash common.Hash) (*Transaction, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, signer, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	tx, _, err := client.TransactionByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("transaction %s: %w", hash.Hex(), err)
	}
	from, err := types.Sender(signer, tx)
	if err != nil {
		return nil, fmt.Errorf("recover sender: %w", err)
	}
	decoded := toTransaction(tx, from)
	return &decoded, nil
}

// EstimateGas estimates gas for a call message.
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	gas, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, fmt.Errorf("estimate gas: %w", err)
	}
	return gas, nil
}

// SendRaw broadcasts a signed transaction.
func (c *Client) SendRaw(ctx context.Context, tx *types.Transaction) (common.Hash, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return common.Hash{}, fmt.Errorf("send transaction: %w", err)
	}
	return tx.Hash(), nil
}

// WaitForReceipt polls for a receipt until it appears or the timeout elapses.
func (c *Client) WaitForReceipt(ctx context.Context, hash common.Hash, timeout time.Duration) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(receiptPollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return &Receipt{
				TxHash:      receipt.TxHash,
				Status:      receipt.Status,
				BlockNumber: receipt.BlockNumber.Uint64(),
				GasUsed:     receipt.GasUsed,
			}, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			return nil, fmt.Errorf("transaction receipt: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for receipt %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

// PendingNonce returns the next nonce for addr including pending transactions.
func (c *Client) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return 0, err
	}
	nonce, err := client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("pending nonce: %w", err)
	}
	return nonce, nil
}

// GasFees returns a priority tip and a fee cap of twice the latest base fee plus the tip.
func (c *Client) GasFees(ctx context.Context) (*big.Int, *big.Int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return nil, nil, err
	}
	tip, err := client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("suggest tip: %w", err)
	}
	head, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}
	return tip, feeCap, nil
}

// ChainID returns the configured chain id, asking the node when unset.
func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	if c.opts.ChainID != 0 {
		return big.NewInt(c.opts.ChainID), nil
	}
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.ChainID(ctx)
}

// CallContract performs an eth_call against the latest block.
func (c *Client) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	client, _, err := c.getClient(ctx)
	if err != nil {
		return nil, err
	}
	return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

// Close releases the RPC connection.
func (c *Client) Close() {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()
	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

func (c *Client) getClient(ctx context.Context) (*ethclient.Client, types.Signer, error) {
	c.clientMux.Lock()
	defer c.clientMux.Unlock()

	if c.client != nil {
		return c.client, c.signer, nil
	}
	if c.opts.RPCURL == "" {
		return nil, nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, c.opts.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID := big.NewInt(c.opts.ChainID)
	if c.opts.ChainID == 0 {
		chainID, err = client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("chain id: %w", err)
		}
	}

	c.client = client
	c.signer = types.LatestSignerForChainID(chainID)
	return client, c.signer, nil
}

func toTransaction(tx *types.Transaction, from common.Address) Transaction {
	return Transaction{
		Hash:  tx.Hash(),
		From:  from,
		To:    tx.To(),
		Value: tx.Value(),
		Input: tx.Data(),
	}
}

var (
	_ Reader         = (*Client)(nil)
	_ ContractCaller = (*Client)(nil)
	_ Submitter      = (*Client)(nil)
)
