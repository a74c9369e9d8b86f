// Package offramp drives a single off-ramp request end to end: source-chain
// deposit, bridge settlement, fiat payout order, settlement transfer, and
// the final wait for payout confirmation.
package offramp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/offrampd/offramp-backend/internal/bridge"
	"github.com/offrampd/offramp-backend/internal/chain"
	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/internal/status"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Request is an accepted off-ramp request. Immutable once validated.
type Request struct {
	ID                    string          `json:"id"`
	SwapID                string          `json:"swapId"`
	Token                 string          `json:"token"`
	Amount                decimal.Decimal `json:"amount"`
	FiatCurrency          string          `json:"fiatCurrency"`
	BankCode              string          `json:"bankCode"`
	AccountNumber         string          `json:"accountNumber"`
	AccountName           string          `json:"accountName"`
	UserAddress           string          `json:"userAddress"`
	DestinationFiatAmount decimal.Decimal `json:"destinationFiatAmount"`
}

// Validate rejects absent or malformed fields. Fatal, never retried.
func (r *Request) Validate() error {
	switch {
	case strings.TrimSpace(r.SwapID) == "":
		return &ValidationError{Field: "swapId", Reason: "is required"}
	case strings.TrimSpace(r.Token) == "":
		return &ValidationError{Field: "token", Reason: "is required"}
	case !r.Amount.IsPositive():
		return &ValidationError{Field: "amount", Reason: "must be positive"}
	case strings.TrimSpace(r.FiatCurrency) == "":
		return &ValidationError{Field: "fiatCurrency", Reason: "is required"}
	case strings.TrimSpace(r.BankCode) == "":
		return &ValidationError{Field: "bankCode", Reason: "is required"}
	case strings.TrimSpace(r.AccountNumber) == "":
		return &ValidationError{Field: "accountNumber", Reason: "is required"}
	case strings.TrimSpace(r.AccountName) == "":
		return &ValidationError{Field: "accountName", Reason: "is required"}
	case strings.TrimSpace(r.UserAddress) == "":
		return &ValidationError{Field: "userAddress", Reason: "is required"}
	case !r.DestinationFiatAmount.IsPositive():
		return &ValidationError{Field: "destinationFiatAmount", Reason: "must be positive"}
	}
	return nil
}

// Result is the successful outcome of one saga run.
type Result struct {
	RequestID         string             `json:"requestId"`
	SourceChainTxHash string             `json:"sourceChainTxHash"`
	SettlementTxHash  string             `json:"settlementTxHash"`
	PayoutOrderID     string             `json:"payoutOrderId"`
	FinalStatus       payout.OrderStatus `json:"finalStatus"`
}

// SourceExecutor submits the bridge's deposit calls on the source chain.
type SourceExecutor interface {
	ExecuteDeposit(ctx context.Context, account string, action bridge.DepositAction) (string, error)
}

// Settler performs the final settlement transfer with per-order idempotency.
type Settler interface {
	Transfer(ctx context.Context, idemKey, to string, amount decimal.Decimal) (*chain.TransferReceipt, error)
}

// AuditLog persists saga progress for inspection and resumption.
// Implementations may be omitted (nil) in tests.
type AuditLog interface {
	CreateRequest(ctx context.Context, req Request) error
	MarkRequestStep(ctx context.Context, requestID string, step Step) error
	FinishRequest(ctx context.Context, requestID, finalStatus, sourceTxHash, settlementTxHash, orderID, failure string) error
	RecordSettlementTransfer(ctx context.Context, idemKey, destination, amountBase, txHash string, broadcastUncertain bool) error
}

// MetricsRecorder counts saga outcomes and polling work.
type MetricsRecorder interface {
	RecordSagaStarted(ctx context.Context)
	RecordSagaFinished(ctx context.Context, outcome string)
	RecordPoll(ctx context.Context, provider string, attempts int, duration time.Duration)
	RecordSettlement(ctx context.Context, outcome string)
}

// Config carries the saga's timing knobs.
type Config struct {
	BridgePollInterval time.Duration
	BridgePollTimeout  time.Duration
	PayoutPollInterval time.Duration
	PayoutPollTimeout  time.Duration
	RetryMaxAttempts   int
	RetryBaseDelay     time.Duration
	SettlementNetwork  string
}

// Orchestrator composes the provider clients, the settlement executor, and
// the status store into the off-ramp saga.
type Orchestrator struct {
	bridge  bridge.API
	payout  payout.API
	source  SourceExecutor
	settler Settler
	status  *status.Store
	audit   AuditLog
	poller  *Poller
	cfg     Config
	logger  *zap.SugaredLogger
	metrics MetricsRecorder
}

func NewOrchestrator(
	bridgeAPI bridge.API,
	payoutAPI payout.API,
	source SourceExecutor,
	settler Settler,
	statusStore *status.Store,
	audit AuditLog,
	cfg Config,
	logger *zap.SugaredLogger,
	metrics MetricsRecorder,
) *Orchestrator {
	return &Orchestrator{
		bridge:  bridgeAPI,
		payout:  payoutAPI,
		source:  source,
		settler: settler,
		status:  statusStore,
		audit:   audit,
		poller:  NewPoller(),
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
	}
}

// Run executes the saga for one request. Each step is a hard boundary: a
// failure surfaces as *Error naming the step and whether the source-chain
// transfer had already been submitted.
func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if o.metrics != nil {
		o.metrics.RecordSagaStarted(ctx)
	}

	// Step 1: validate.
	if err := req.Validate(); err != nil {
		return nil, o.fail(ctx, req.ID, &Error{Step: StepValidate, Err: err})
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if o.audit != nil {
		if err := o.audit.CreateRequest(ctx, req); err != nil {
			o.logger.Warnw("Failed to audit request", "requestId", req.ID, "error", err)
		}
	}

	o.logger.Infow("Off-ramp saga started",
		"requestId", req.ID,
		"swapId", req.SwapID,
		"token", req.Token,
		"amount", req.Amount.String(),
		"fiatCurrency", req.FiatCurrency,
	)

	// Step 2: fetch swap. Must be payable: user_transfer_pending with at
	// least one deposit action.
	o.markStep(ctx, req.ID, StepFetchSwap)
	swap, err := WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*bridge.Swap, error) {
		return o.bridge.GetSwap(ctx, req.SwapID)
	})
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{Step: StepFetchSwap, Err: err})
	}
	if swap.Status != bridge.StatusUserTransferPending {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:       StepFetchSwap,
			LastStatus: string(swap.Status),
			Err:        fmt.Errorf("swap %s is not awaiting a user transfer (status %s)", swap.ID, swap.Status),
		})
	}
	if len(swap.DepositActions) == 0 {
		return nil, o.fail(ctx, req.ID, &Error{
			Step: StepFetchSwap,
			Err:  fmt.Errorf("swap %s has no deposit actions", swap.ID),
		})
	}

	// Step 3: execute the source-chain transfer via gas sponsorship. From
	// here on the saga is irreversible; there is no cancellation.
	o.markStep(ctx, req.ID, StepSourceTransfer)
	sourceTxHash, err := o.source.ExecuteDeposit(ctx, req.UserAddress, swap.DepositActions[0])
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{Step: StepSourceTransfer, Err: err})
	}
	o.logger.Infow("Source transfer submitted", "requestId", req.ID, "txHash", sourceTxHash)

	// Step 4: await bridge completion.
	o.markStep(ctx, req.ID, StepAwaitBridge)
	swap, err = o.awaitBridge(ctx, req.SwapID)
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:            StepAwaitBridge,
			SourceSubmitted: true,
			SourceTxHash:    sourceTxHash,
			LastStatus:      swapStatusIfKnown(swap),
			Err:             err,
		})
	}
	if swap.Status.Failed() {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:            StepAwaitBridge,
			SourceSubmitted: true,
			SourceTxHash:    sourceTxHash,
			LastStatus:      string(swap.Status),
			Err:             fmt.Errorf("%w: swap %s reached %s: %s", ErrBridgeFailed, swap.ID, swap.Status, swap.FailureReason),
		})
	}

	// Step 5: price the payout. Computed exactly once, from the quote's
	// minimum receive amount; never recomputed downstream.
	o.markStep(ctx, req.ID, StepPricing)
	rate, err := WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*payout.Rate, error) {
		return o.payout.GetRate(ctx, req.Token, swap.Quote.MinReceiveAmount, req.FiatCurrency)
	})
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{Step: StepPricing, SourceSubmitted: true, SourceTxHash: sourceTxHash, Err: err})
	}
	fiatAmount := swap.Quote.MinReceiveAmount.Mul(rate.Rate)

	// Step 6: create the payout order, guarded so one swap can never yield
	// two orders even across process restarts.
	o.markStep(ctx, req.ID, StepCreateOrder)
	order, err := o.createOrder(ctx, req, swap, rate, fiatAmount)
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{Step: StepCreateOrder, SourceSubmitted: true, SourceTxHash: sourceTxHash, Err: err})
	}

	// Step 7: settlement transfer. Never retried automatically; a failure
	// here requires operator intervention.
	o.markStep(ctx, req.ID, StepSettlement)
	total := swap.Quote.ReceiveAmount.Add(order.SenderFee).Add(order.TransactionFee)
	receipt, err := o.settler.Transfer(ctx, order.ID, order.ReceiveAddress, total)
	if o.metrics != nil {
		o.metrics.RecordSettlement(ctx, settlementOutcome(err))
	}
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:            StepSettlement,
			SourceSubmitted: true,
			SourceTxHash:    sourceTxHash,
			PayoutOrderID:   order.ID,
			Err:             err,
		})
	}
	if o.audit != nil {
		if aerr := o.audit.RecordSettlementTransfer(ctx, receipt.IdempotencyKey, receipt.To, receipt.AmountBase.String(), receipt.TxHash, false); aerr != nil {
			o.logger.Warnw("Failed to audit settlement transfer", "requestId", req.ID, "error", aerr)
		}
	}

	// Step 8: await payout completion, racing the webhook reconciler. The
	// first terminal status observed by either path wins.
	o.markStep(ctx, req.ID, StepAwaitPayout)
	finalStatus, err := o.awaitPayout(ctx, order.ID)
	if err != nil {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:             StepAwaitPayout,
			SourceSubmitted:  true,
			SourceTxHash:     sourceTxHash,
			SettlementTxHash: receipt.TxHash,
			PayoutOrderID:    order.ID,
			LastStatus:       string(finalStatus),
			Err:              err,
		})
	}
	if finalStatus == payout.StatusRefunded || finalStatus == payout.StatusExpired {
		return nil, o.fail(ctx, req.ID, &Error{
			Step:             StepAwaitPayout,
			SourceSubmitted:  true,
			SourceTxHash:     sourceTxHash,
			SettlementTxHash: receipt.TxHash,
			PayoutOrderID:    order.ID,
			LastStatus:       string(finalStatus),
			Err:              fmt.Errorf("payout order %s ended %s", order.ID, finalStatus),
		})
	}

	result := &Result{
		RequestID:         req.ID,
		SourceChainTxHash: sourceTxHash,
		SettlementTxHash:  receipt.TxHash,
		PayoutOrderID:     order.ID,
		FinalStatus:       finalStatus,
	}
	if o.audit != nil {
		if aerr := o.audit.FinishRequest(ctx, req.ID, string(finalStatus), sourceTxHash, receipt.TxHash, order.ID, ""); aerr != nil {
			o.logger.Warnw("Failed to audit request completion", "requestId", req.ID, "error", aerr)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordSagaFinished(ctx, "success")
	}

	o.logger.Infow("Off-ramp saga completed",
		"requestId", req.ID,
		"payoutOrderId", order.ID,
		"finalStatus", finalStatus,
		"settlementTxHash", receipt.TxHash,
	)
	return result, nil
}

// awaitBridge polls the swap until it reaches a terminal status.
func (o *Orchestrator) awaitBridge(ctx context.Context, swapID string) (*bridge.Swap, error) {
	start := time.Now()
	attempts := 0

	swap, err := Poll(ctx, o.poller, "bridge:"+swapID,
		func(ctx context.Context) (*bridge.Swap, error) {
			attempts++
			return WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*bridge.Swap, error) {
				return o.bridge.GetSwap(ctx, swapID)
			})
		},
		func(s *bridge.Swap) bool { return s.Status.Terminal() },
		o.cfg.BridgePollInterval, o.cfg.BridgePollTimeout,
	)
	if o.metrics != nil {
		o.metrics.RecordPoll(ctx, "bridge", attempts, time.Since(start))
	}
	return swap, err
}

// awaitPayout polls the order until a terminal status is observed by either
// the provider poll or the webhook reconciler, whichever lands first. Each
// fetch merges the freshly polled provider status into the shared record and
// returns the forward-most status recorded so far.
func (o *Orchestrator) awaitPayout(ctx context.Context, orderID string) (payout.OrderStatus, error) {
	start := time.Now()
	attempts := 0

	fetch := func(ctx context.Context) (payout.OrderStatus, error) {
		attempts++

		// A webhook may already have recorded a terminal status.
		if rec, err := o.status.Get(ctx, orderID); err == nil && rec != nil && rec.Status.Terminal() {
			return rec.Status, nil
		}

		order, err := WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*payout.Order, error) {
			return o.payout.GetOrder(ctx, orderID)
		})
		if err != nil {
			return "", err
		}

		if _, err := o.status.Apply(ctx, orderID, order.Status); err != nil {
			return "", err
		}
		rec, err := o.status.Get(ctx, orderID)
		if err != nil {
			return "", err
		}
		if rec == nil {
			return order.Status, nil
		}
		return rec.Status, nil
	}

	final, err := Poll(ctx, o.poller, "payout:"+orderID,
		fetch,
		func(s payout.OrderStatus) bool { return s.Terminal() },
		o.cfg.PayoutPollInterval, o.cfg.PayoutPollTimeout,
	)
	if o.metrics != nil {
		o.metrics.RecordPoll(ctx, "payout", attempts, time.Since(start))
	}
	return final, err
}

// createOrder reserves order creation for the swap, creates the order with
// the reservation's idempotency token, and binds the resulting identifier.
// A reservation that already carries an order identifier short-circuits to a
// fetch, so a re-run can resume without creating a second order.
func (o *Orchestrator) createOrder(ctx context.Context, req Request, swap *bridge.Swap, rate *payout.Rate, fiatAmount decimal.Decimal) (*payout.Order, error) {
	reservation, existing, err := o.status.Reserve(ctx, req.SwapID, uuid.New().String())
	if err != nil {
		return nil, err
	}
	if existing && reservation.OrderID != "" {
		o.logger.Infow("Reusing existing payout order", "requestId", req.ID, "orderId", reservation.OrderID)
		return WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*payout.Order, error) {
			return o.payout.GetOrder(ctx, reservation.OrderID)
		})
	}

	createReq := payout.CreateOrderRequest{
		Amount:   fiatAmount,
		Token:    req.Token,
		Network:  o.cfg.SettlementNetwork,
		Rate:     rate.Rate,
		Currency: req.FiatCurrency,
		Recipient: payout.Recipient{
			Institution:       req.BankCode,
			AccountIdentifier: req.AccountNumber,
			AccountName:       req.AccountName,
		},
		Reference: reservation.Token,
	}

	// The provider deduplicates on the reference token, so retrying the
	// create cannot produce a second order.
	order, err := WithRetry(ctx, o.cfg.RetryMaxAttempts, o.cfg.RetryBaseDelay, func(ctx context.Context) (*payout.Order, error) {
		return o.payout.CreateOrder(ctx, createReq)
	})
	if err != nil {
		return nil, err
	}
	if order.ReceiveAddress == "" {
		return nil, fmt.Errorf("payout order %s has no receive address", order.ID)
	}
	if !order.ValidUntil.IsZero() && time.Now().After(order.ValidUntil) {
		return nil, fmt.Errorf("payout order %s expired at %s", order.ID, order.ValidUntil)
	}

	if err := o.status.BindOrder(ctx, req.SwapID, order.ID); err != nil {
		o.logger.Warnw("Failed to bind order to reservation", "requestId", req.ID, "orderId", order.ID, "error", err)
	}
	if _, err := o.status.Apply(ctx, order.ID, order.Status); err != nil {
		o.logger.Warnw("Failed to seed order status record", "orderId", order.ID, "error", err)
	}
	return order, nil
}

func (o *Orchestrator) markStep(ctx context.Context, requestID string, step Step) {
	if o.audit == nil {
		return
	}
	if err := o.audit.MarkRequestStep(ctx, requestID, step); err != nil {
		o.logger.Warnw("Failed to audit saga step", "requestId", requestID, "step", step, "error", err)
	}
}

func (o *Orchestrator) fail(ctx context.Context, requestID string, sagaErr *Error) error {
	outcome := "failure"
	if IsPending(sagaErr) {
		outcome = "pending"
	}
	if o.metrics != nil {
		o.metrics.RecordSagaFinished(ctx, outcome)
	}
	o.logger.Errorw("Off-ramp saga step failed",
		"requestId", requestID,
		"step", sagaErr.Step,
		"sourceSubmitted", sagaErr.SourceSubmitted,
		"lastStatus", sagaErr.LastStatus,
		"error", sagaErr.Err,
	)
	if o.audit != nil && requestID != "" {
		if aerr := o.audit.FinishRequest(ctx, requestID, outcome, sagaErr.SourceTxHash, sagaErr.SettlementTxHash, sagaErr.PayoutOrderID, sagaErr.Error()); aerr != nil {
			o.logger.Warnw("Failed to audit request failure", "requestId", requestID, "error", aerr)
		}
	}
	return sagaErr
}

func swapStatusIfKnown(swap *bridge.Swap) string {
	if swap == nil {
		return ""
	}
	return string(swap.Status)
}

// settlementOutcome labels a settlement attempt for metrics. An uncertain
// broadcast is its own outcome; it is neither a success nor a clean failure.
func settlementOutcome(err error) string {
	if err == nil {
		return "success"
	}
	var settleErr *chain.SettlementError
	if errors.As(err, &settleErr) && settleErr.BroadcastUncertain {
		return "uncertain"
	}
	return "failure"
}

// IsPending reports whether the failure is a poll timeout, which is an
// ambiguous outcome to be reported as "pending" rather than "failed".
func IsPending(err error) bool {
	return errors.Is(err, ErrPollTimeout)
}
