package clients

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	x402types "github.com/vitwit/x402-checkout/types"
	"github.com/vitwit/x402-checkout/utils"
)

const (
	defaultEVMPollInterval        = 2 * time.Second
	defaultEVMConfirmationTimeout = 2 * time.Minute
)

// EVMBackend is the subset of ethclient.Client used by EVMClient.
type EVMBackend interface {
	ethereum.TransactionReader
	ethereum.GasEstimator
	ethereum.GasPricer
	ethereum.PendingStateReader
	ethereum.TransactionSender
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// EVMClient pays and verifies ERC-20 or native transfers on one EVM chain.
type EVMClient struct {
	network x402types.Network
	backend EVMBackend
	closer  func()
	chainID *big.Int

	signer *ecdsa.PrivateKey // optional; required for Transfer
	from   common.Address

	confirmations       uint64
	confirmationTimeout time.Duration
	pollInterval        time.Duration

	// serializes nonce allocation and broadcast
	sendMu sync.Mutex
}

var (
	_ Transferer    = (*EVMClient)(nil)
	_ ChainVerifier = (*EVMClient)(nil)
)

type EVMOption func(*EVMClient)

func WithConfirmations(n uint64) EVMOption {
	return func(c *EVMClient) {
		if n > 0 {
			c.confirmations = n
		}
	}
}

func WithConfirmationTimeout(d time.Duration) EVMOption {
	return func(c *EVMClient) {
		if d > 0 {
			c.confirmationTimeout = d
		}
	}
}

func WithPollInterval(d time.Duration) EVMOption {
	return func(c *EVMClient) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// NewEVMClient dials cfg.RPCUrl and checks the node serves cfg.Network.
func NewEVMClient(ctx context.Context, cfg x402types.ClientConfig, opts ...EVMOption) (*EVMClient, error) {
	eth, err := ethclient.DialContext(ctx, cfg.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("ethereum rpc dial: %w", err)
	}

	opts = append([]EVMOption{
		WithConfirmations(cfg.Confirmations),
		WithConfirmationTimeout(cfg.ConfirmationTimeout),
	}, opts...)

	client, err := NewEVMClientWithBackend(ctx, cfg.Network, eth, cfg.PrivateKey, opts...)
	if err != nil {
		eth.Close()
		return nil, err
	}
	client.closer = eth.Close
	return client, nil
}

// NewEVMClientWithBackend builds a client on an existing backend. The private
// key may be empty for a verify-only client.
func NewEVMClientWithBackend(
	ctx context.Context,
	network x402types.Network,
	backend EVMBackend,
	signerPrivHex string,
	opts ...EVMOption,
) (*EVMClient, error) {
	if !network.IsEVM() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrUnsupportedNetwork,
			Message: fmt.Sprintf("network %s is not an EVM network", network),
		}
	}

	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("chain id fetch failed: %w", err)
	}
	if chainID.String() != network.Reference() {
		return nil, &x402types.X402Error{
			Code:    x402types.ErrConfigError,
			Message: fmt.Sprintf("rpc serves chain %s, expected %s", chainID, network),
		}
	}

	c := &EVMClient{
		network:             network,
		backend:             backend,
		chainID:             chainID,
		confirmations:       1,
		confirmationTimeout: defaultEVMConfirmationTimeout,
		pollInterval:        defaultEVMPollInterval,
	}

	if signerPrivHex != "" {
		key, err := utils.PrivateKeyFromHex(signerPrivHex)
		if err != nil {
			return nil, err
		}
		c.signer = key
		c.from = utils.AddressFromPrivateKey(key)
	}

	for _, opt := range opts {
		opt(c)
	}

	return c, nil
}

func (c *EVMClient) Supports(network x402types.Network) bool {
	return network == c.network
}

// Address returns the signer address, or "" for a verify-only client.
func (c *EVMClient) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.from.Hex()
}

func (c *EVMClient) GetNetwork() x402types.Network { return c.network }

func (c *EVMClient) Close() {
	if c.closer != nil {
		c.closer()
	}
}

// Transfer sends req.Amount of req.Asset to req.PayTo and waits until the
// transaction is mined with the configured number of confirmations.
func (c *EVMClient) Transfer(ctx context.Context, req TransferRequest) (*TransferReceipt, error) {
	if c.signer == nil {
		return nil, errors.New(ErrSignerMissing)
	}
	if req.Network != c.network {
		return nil, fmt.Errorf("%s: client serves %s, requested %s", ErrNetworkMismatch, c.network, req.Network)
	}
	if !common.IsHexAddress(req.PayTo) {
		return nil, fmt.Errorf("invalid payTo address %q", req.PayTo)
	}

	to := common.HexToAddress(req.PayTo)
	value := req.Amount.BigInt()

	var (
		target  common.Address
		txValue *big.Int
		data    []byte
	)
	if utils.IsNativeAsset(req.Asset) {
		target = to
		txValue = value
	} else {
		if !common.IsHexAddress(req.Asset) {
			return nil, fmt.Errorf("invalid asset address %q", req.Asset)
		}
		packed, err := packERC20Transfer(to, value)
		if err != nil {
			return nil, fmt.Errorf("pack call data failed: %w", err)
		}
		target = common.HexToAddress(req.Asset)
		txValue = new(big.Int)
		data = packed
	}

	signed, err := c.signAndSend(ctx, target, txValue, data)
	if err != nil {
		return nil, err
	}

	receipt, err := c.waitMined(ctx, signed.Hash())
	if err != nil {
		return nil, &BroadcastError{TxHash: signed.Hash().Hex(), Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("%s: %s", ErrTransactionReverted, signed.Hash().Hex())
	}

	return &TransferReceipt{
		TxHash:      signed.Hash().Hex(),
		From:        c.from.Hex(),
		To:          to.Hex(),
		Amount:      req.Amount,
		BlockNumber: receipt.BlockNumber.Uint64(),
	}, nil
}

func (c *EVMClient) signAndSend(ctx context.Context, target common.Address, value *big.Int, data []byte) (*types.Transaction, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	gasLimit, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &target, Value: value, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas failed: %w", err)
	}

	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price failed: %w", err)
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce failed: %w", err)
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &target,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	})

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.signer)
	if err != nil {
		return nil, fmt.Errorf("sign tx failed: %w", err)
	}

	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("send tx failed: %w", err)
	}

	return signed, nil
}

func (c *EVMClient) waitMined(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.confirmationTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(waitCtx, hash)
		if err == nil && receipt != nil {
			confs, cerr := c.confirmationsOf(waitCtx, receipt)
			if cerr == nil && confs >= c.confirmations {
				return receipt, nil
			}
		}

		select {
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%s: %s: %w", ErrConfirmationTimedOut, hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (c *EVMClient) confirmationsOf(ctx context.Context, receipt *types.Receipt) (uint64, error) {
	head, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return 0, err
	}
	mined := receipt.BlockNumber.Uint64()
	if head < mined {
		return 0, nil
	}
	return head - mined + 1, nil
}

// VerifyTransfer checks that the proof's transaction paid at least the
// required amount of the required asset to the required address.
func (c *EVMClient) VerifyTransfer(ctx context.Context, req *x402types.VerifyRequest) (*x402types.VerificationResult, error) {
	if !c.Supports(req.Requirements.Network) {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrNetworkMismatch}, nil
	}

	hash := common.HexToHash(req.Proof.TransactionHash)

	tx, isPending, err := c.backend.TransactionByHash(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &x402types.VerificationResult{Pending: true, InvalidReason: ErrTransactionNotFound}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("transaction lookup failed: %w", err)
	}
	if isPending {
		return &x402types.VerificationResult{Pending: true, InvalidReason: ErrTransactionPending}, nil
	}

	receipt, err := c.backend.TransactionReceipt(ctx, hash)
	if errors.Is(err, ethereum.NotFound) {
		return &x402types.VerificationResult{Pending: true, InvalidReason: ErrTransactionPending}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("receipt lookup failed: %w", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrTransactionReverted}, nil
	}

	confs, err := c.confirmationsOf(ctx, receipt)
	if err != nil {
		return nil, fmt.Errorf("block number fetch failed: %w", err)
	}
	if confs < c.confirmations {
		return &x402types.VerificationResult{
			Pending:       true,
			InvalidReason: ErrInsufficientConfs,
			Confirmations: confs,
		}, nil
	}

	payTo := common.HexToAddress(req.Requirements.PayTo)
	required := req.Requirements.Amount.BigInt()

	if utils.IsNativeAsset(req.Requirements.Asset) {
		return c.verifyNative(tx, payTo, required, confs)
	}

	token := common.HexToAddress(req.Requirements.Asset)
	transfers := decodeERC20Transfers(receipt.Logs, token)
	if len(transfers) == 0 {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrNoTransferFound}, nil
	}

	for _, t := range transfers {
		if t.To != payTo {
			continue
		}
		if t.Value.Cmp(required) < 0 {
			return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrAmountMismatch}, nil
		}
		return &x402types.VerificationResult{
			IsValid:       true,
			Payer:         t.From.Hex(),
			Recipient:     t.To.Hex(),
			Amount:        x402types.NewAmount(t.Value),
			Confirmations: confs,
		}, nil
	}

	return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrRecipientMismatch}, nil
}

func (c *EVMClient) verifyNative(tx *types.Transaction, payTo common.Address, required *big.Int, confs uint64) (*x402types.VerificationResult, error) {
	if tx.To() == nil || *tx.To() != payTo {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrRecipientMismatch}, nil
	}
	if tx.Value().Cmp(required) < 0 {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrAmountMismatch}, nil
	}

	from, err := types.Sender(types.LatestSignerForChainID(c.chainID), tx)
	if err != nil {
		return &x402types.VerificationResult{IsValid: false, InvalidReason: ErrUnexpectedVerifyError}, nil
	}

	return &x402types.VerificationResult{
		IsValid:       true,
		Payer:         from.Hex(),
		Recipient:     payTo.Hex(),
		Amount:        x402types.NewAmount(tx.Value()),
		Confirmations: confs,
	}, nil
}
