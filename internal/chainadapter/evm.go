package chainadapter

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/domain"
)

// EVMAdapter dispatches bundles to an Express Relay contract on an EVM chain
// and polls for their receipts. Bundling semantics (how a searcher's target
// calldata is combined with the relayer's own submission transaction) are an
// external collaborator's concern; this adapter dispatches
// the first bid in the bundle as a single call to ExpressRelayContract and
// treats the rest as already accounted for by the caller's bundle selection.
type EVMAdapter struct {
	client   *ethclient.Client
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	chainID  *big.Int
	legacyTx bool
}

// NewEVMAdapter dials the configured RPC endpoint and derives the relayer's
// address from its hex-encoded private key.
func NewEVMAdapter(ctx context.Context, cfg config.ChainConfig) (*EVMAdapter, error) {
	client, err := ethclient.DialContext(ctx, cfg.RPCEndpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing evm rpc %q: %w", cfg.RPCEndpoint, err)
	}

	key, err := crypto.HexToECDSA(trimHexPrefix(cfg.RelayerKey))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("parsing relayer key: %w", err)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("fetching chain id: %w", err)
	}

	return &EVMAdapter{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.ExpressRelayContract),
		chainID:  chainID,
		legacyTx: cfg.LegacyTx,
	}, nil
}

func (a *EVMAdapter) ChainType() domain.ChainType { return domain.ChainTypeEvm }

// Close releases the underlying RPC connection.
func (a *EVMAdapter) Close() { a.client.Close() }

// Dispatch signs and broadcasts the highest-priority bid in the bundle as a
// single call against the Express Relay contract.
func (a *EVMAdapter) Dispatch(ctx context.Context, bundle Bundle) ([]byte, error) {
	if len(bundle.Bids) == 0 {
		return nil, errors.New("dispatch: empty bundle")
	}
	top, ok := bundle.Bids[0].(domain.EVMBid)
	if !ok {
		return nil, fmt.Errorf("dispatch: bid %s is not an EVM bid", bundle.Bids[0].Core().Id)
	}

	nonce, err := a.client.PendingNonceAt(ctx, a.from)
	if err != nil {
		return nil, fmt.Errorf("fetching nonce: %w", err)
	}

	gasLimit := uint64(500_000)
	if top.GasLimit != nil {
		gasLimit = top.GasLimit.Uint64()
	}

	tx, err := a.buildTx(ctx, nonce, gasLimit, top.TargetCalldata)
	if err != nil {
		return nil, err
	}

	signed, err := types.SignTx(tx, types.LatestSignerForChainID(a.chainID), a.key)
	if err != nil {
		return nil, fmt.Errorf("signing transaction: %w", err)
	}

	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("broadcasting transaction: %w", err)
	}

	hash := signed.Hash()
	return hash[:], nil
}

func (a *EVMAdapter) buildTx(ctx context.Context, nonce uint64, gasLimit uint64, calldata []byte) (*types.Transaction, error) {
	if a.legacyTx {
		gasPrice, err := a.client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("suggesting gas price: %w", err)
		}
		return types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			To:       &a.contract,
			Gas:      gasLimit,
			GasPrice: gasPrice,
			Data:     calldata,
		}), nil
	}

	tip, err := a.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggesting gas tip cap: %w", err)
	}
	head, err := a.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("fetching latest header: %w", err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   a.chainID,
		Nonce:     nonce,
		To:        &a.contract,
		Gas:       gasLimit,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Data:      calldata,
	}), nil
}

// Receipt polls for the transaction's inclusion. A not-found error is
// reported as still pending. The tracker loop re-polls a pending receipt on
// every tick and never turns it into a dropped one, however long it stays
// not-found.
func (a *EVMAdapter) Receipt(ctx context.Context, txHash []byte) (*Receipt, error) {
	hash := common.BytesToHash(txHash)
	receipt, err := a.client.TransactionReceipt(ctx, hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return &Receipt{Status: ReceiptPending}, nil
		}
		return nil, fmt.Errorf("fetching receipt: %w", err)
	}

	if receipt.Status != types.ReceiptStatusSuccessful {
		return &Receipt{Status: ReceiptDropped}, nil
	}
	zero := uint32(0)
	return &Receipt{Status: ReceiptConfirmed, WonIndex: &zero}, nil
}

func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
