package chainadapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/expressrelay/auction-server/internal/config"
	"github.com/expressrelay/auction-server/internal/domain"
)

// SVMAdapter dispatches already-signed searcher transactions to a Solana
// cluster. Unlike the EVM side, an SVMBid's Transaction (domain.SVMBid) is
// signed by the searcher before it ever reaches the auction server, so
// dispatch here is pure broadcast -- no local signing key is involved.
type SVMAdapter struct {
	client *rpc.Client
}

func NewSVMAdapter(cfg config.ChainConfig) *SVMAdapter {
	return &SVMAdapter{client: rpc.New(cfg.RPCEndpoint)}
}

func (a *SVMAdapter) ChainType() domain.ChainType { return domain.ChainTypeSvm }

// Dispatch broadcasts the first bid's pre-signed transaction in the bundle.
// As with the EVM adapter, combining multiple searcher transactions into one
// submission is an external bundling concern.
func (a *SVMAdapter) Dispatch(ctx context.Context, bundle Bundle) ([]byte, error) {
	if len(bundle.Bids) == 0 {
		return nil, errors.New("dispatch: empty bundle")
	}
	top, ok := bundle.Bids[0].(domain.SVMBid)
	if !ok {
		return nil, fmt.Errorf("dispatch: bid %s is not an SVM bid", bundle.Bids[0].Core().Id)
	}
	if top.Transaction == nil {
		return nil, fmt.Errorf("dispatch: bid %s has no signed transaction", top.Core().Id)
	}

	sig, err := a.client.SendTransactionWithOpts(ctx, top.Transaction, rpc.TransactionOpts{
		SkipPreflight: false,
	})
	if err != nil {
		return nil, fmt.Errorf("broadcasting transaction: %w", err)
	}

	return sig[:], nil
}

// Receipt polls for the transaction signature's confirmation status.
func (a *SVMAdapter) Receipt(ctx context.Context, txHash []byte) (*Receipt, error) {
	var sig solana.Signature
	copy(sig[:], txHash)

	result, err := a.client.GetSignatureStatuses(ctx, true, sig)
	if err != nil {
		return nil, fmt.Errorf("fetching signature status: %w", err)
	}
	if len(result.Value) == 0 || result.Value[0] == nil {
		return &Receipt{Status: ReceiptPending}, nil
	}

	status := result.Value[0]
	if status.Err != nil {
		return &Receipt{Status: ReceiptDropped}, nil
	}
	switch status.ConfirmationStatus {
	case rpc.ConfirmationStatusConfirmed, rpc.ConfirmationStatusFinalized:
		zero := uint32(0)
		return &Receipt{Status: ReceiptConfirmed, WonIndex: &zero}, nil
	default:
		return &Receipt{Status: ReceiptPending}, nil
	}
}
