package chain

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/offrampd/offramp-backend/pkg/kv"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// ErrDoubleSpendGuard is returned when a settlement transfer is attempted
// for an idempotency key that already has a recorded transaction hash.
var ErrDoubleSpendGuard = errors.New("settlement transfer already recorded for idempotency key")

// SettlementError is a fatal settlement failure. BroadcastUncertain marks
// the send-and-timeout case, which must never be treated as certain failure.
type SettlementError struct {
	IdempotencyKey     string
	TxHash             string
	BroadcastUncertain bool
	Err                error
}

func (e *SettlementError) Error() string {
	return fmt.Sprintf("settlement transfer %s failed (txHash=%q, broadcastUncertain=%t): %v",
		e.IdempotencyKey, e.TxHash, e.BroadcastUncertain, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

const (
	transferGasLimit   = 90_000
	receiptPollEvery   = 2 * time.Second
	defaultConfirmWait = 120 * time.Second
)

const erc20TransferABI = `[{"name":"transfer","type":"function","stateMutability":"nonpayable","inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

var (
	transferABIOnce sync.Once
	transferABI     abi.ABI
)

func packTransfer(to common.Address, amount *big.Int) ([]byte, error) {
	transferABIOnce.Do(func() {
		transferABI, _ = abi.JSON(strings.NewReader(erc20TransferABI))
	})
	return transferABI.Pack("transfer", to, amount)
}

// ToBaseUnits converts a token amount to the chain's smallest unit using the
// token's declared decimal precision. Sub-unit dust is dropped, never
// rounded up.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.IsNegative() {
		return nil, fmt.Errorf("negative amount %s", amount)
	}
	return amount.Shift(decimals).Floor().BigInt(), nil
}

// TransferReceipt is the confirmed result of a settlement transfer.
type TransferReceipt struct {
	IdempotencyKey string
	TxHash         string
	To             string
	AmountBase     *big.Int
}

// settlementRecord is the persisted per-idempotency-key state. At most one
// successful transfer may ever exist per key.
type settlementRecord struct {
	Status string `json:"status"` // pending, broadcast, confirmed, failed
	TxHash string `json:"txHash,omitempty"`
}

const settlementKeyPrefix = "orp:settlement:"

// Executor submits ERC-20 transfers from the single configured settlement
// account. Submissions are serialized through one mutex because transactions
// from one account must be nonce-ordered; this is the only global lock in
// the system.
type Executor struct {
	backend     Backend
	chainID     *big.Int
	key         *ecdsa.PrivateKey
	from        common.Address
	token       common.Address
	decimals    int32
	records     kv.Store
	logger      *zap.SugaredLogger
	confirmWait time.Duration

	mu sync.Mutex
}

func NewExecutor(backend Backend, chainID *big.Int, privateKeyHex string, token common.Address, decimals int32, records kv.Store, logger *zap.SugaredLogger) (*Executor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse settlement private key: %w", err)
	}

	return &Executor{
		backend:     backend,
		chainID:     chainID,
		key:         key,
		from:        crypto.PubkeyToAddress(key.PublicKey),
		token:       token,
		decimals:    decimals,
		records:     records,
		logger:      logger,
		confirmWait: defaultConfirmWait,
	}, nil
}

// From returns the settlement account address.
func (e *Executor) From() common.Address {
	return e.from
}

// Transfer submits a token transfer to the payout provider's receive address
// and blocks until the chain confirms it. idemKey is derived from the payout
// order identifier; a key that already has a recorded transaction hash is
// rejected with ErrDoubleSpendGuard and never overwritten.
func (e *Executor) Transfer(ctx context.Context, idemKey, to string, amount decimal.Decimal) (*TransferReceipt, error) {
	if !common.IsHexAddress(to) {
		return nil, fmt.Errorf("invalid receive address %q", to)
	}
	dest := common.HexToAddress(to)

	recordKey := settlementKeyPrefix + idemKey
	pending, _ := json.Marshal(settlementRecord{Status: "pending"})

	reserved, err := e.records.SetNX(ctx, recordKey, pending)
	if err != nil {
		return nil, fmt.Errorf("reserve settlement record: %w", err)
	}
	if !reserved {
		return nil, e.rejectExisting(ctx, idemKey, recordKey)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	baseAmount, err := ToBaseUnits(amount, e.decimals)
	if err != nil {
		e.release(ctx, recordKey)
		return nil, err
	}
	if baseAmount.Sign() <= 0 {
		e.release(ctx, recordKey)
		return nil, fmt.Errorf("settlement amount %s rounds to zero base units", amount)
	}

	signed, err := e.buildSignedTransfer(ctx, dest, baseAmount)
	if err != nil {
		e.release(ctx, recordKey)
		return nil, &SettlementError{IdempotencyKey: idemKey, Err: err}
	}
	txHash := signed.Hash().Hex()

	// Record the hash before broadcasting so a crash between send and
	// confirmation is never mistaken for a clean failure.
	broadcast, _ := json.Marshal(settlementRecord{Status: "broadcast", TxHash: txHash})
	swapped, err := e.records.CompareAndSwap(ctx, recordKey, pending, broadcast)
	if err != nil {
		return nil, fmt.Errorf("record settlement broadcast: %w", err)
	}
	if !swapped {
		// The reservation changed under us, likely operator cleanup.
		// Broadcasting now would leave an unrecorded transaction.
		return nil, &SettlementError{IdempotencyKey: idemKey, Err: errors.New("settlement record changed before broadcast")}
	}

	e.logger.Infow("Submitting settlement transfer",
		"idempotencyKey", idemKey,
		"to", dest.Hex(),
		"amountBase", baseAmount.String(),
		"txHash", txHash,
	)

	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		if sendUncertain(err) {
			return nil, &SettlementError{IdempotencyKey: idemKey, TxHash: txHash, BroadcastUncertain: true, Err: err}
		}
		// Node rejected the transaction outright; nothing reached the chain.
		e.release(ctx, recordKey)
		return nil, &SettlementError{IdempotencyKey: idemKey, Err: err}
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.confirmWait)
	defer cancel()

	receipt, err := waitMined(waitCtx, e.backend, signed.Hash(), receiptPollEvery)
	if err != nil {
		// Broadcast succeeded but confirmation did not arrive in time.
		return nil, &SettlementError{IdempotencyKey: idemKey, TxHash: txHash, BroadcastUncertain: true, Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		e.mark(ctx, recordKey, broadcast, settlementRecord{Status: "failed", TxHash: txHash})
		return nil, &SettlementError{IdempotencyKey: idemKey, TxHash: txHash, Err: errors.New("transaction reverted")}
	}

	e.mark(ctx, recordKey, broadcast, settlementRecord{Status: "confirmed", TxHash: txHash})

	e.logger.Infow("Settlement transfer confirmed",
		"idempotencyKey", idemKey,
		"txHash", txHash,
		"blockNumber", receipt.BlockNumber,
	)

	return &TransferReceipt{
		IdempotencyKey: idemKey,
		TxHash:         txHash,
		To:             dest.Hex(),
		AmountBase:     baseAmount,
	}, nil
}

func (e *Executor) buildSignedTransfer(ctx context.Context, to common.Address, amount *big.Int) (*types.Transaction, error) {
	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("fetch nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}
	calldata, err := packTransfer(to, amount)
	if err != nil {
		return nil, fmt.Errorf("pack transfer calldata: %w", err)
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), transferGasLimit, gasPrice, calldata)
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return signed, nil
}

// rejectExisting translates an already-present settlement record into the
// appropriate error: a recorded hash is a double-spend guard, an unresolved
// reservation requires manual reconciliation.
func (e *Executor) rejectExisting(ctx context.Context, idemKey, recordKey string) error {
	raw, err := e.records.Get(ctx, recordKey)
	if err != nil {
		return fmt.Errorf("read settlement record: %w", err)
	}
	var rec settlementRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("decode settlement record: %w", err)
	}
	if rec.TxHash != "" {
		return fmt.Errorf("%w: txHash=%s status=%s", ErrDoubleSpendGuard, rec.TxHash, rec.Status)
	}
	return &SettlementError{
		IdempotencyKey:     idemKey,
		BroadcastUncertain: true,
		Err:                errors.New("previous settlement attempt unresolved"),
	}
}

func (e *Executor) release(ctx context.Context, recordKey string) {
	if _, err := e.records.Del(ctx, recordKey); err != nil {
		e.logger.Warnw("Failed to release settlement record", "key", recordKey, "error", err)
	}
}

func (e *Executor) mark(ctx context.Context, recordKey string, old []byte, rec settlementRecord) {
	val, _ := json.Marshal(rec)
	if _, err := e.records.CompareAndSwap(ctx, recordKey, old, val); err != nil {
		e.logger.Warnw("Failed to update settlement record", "key", recordKey, "status", rec.Status, "error", err)
	}
}

// sendUncertain reports whether a send failure leaves the broadcast outcome
// unknown (timeouts and dropped connections), as opposed to an outright
// rejection by the node.
func sendUncertain(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}
