// Package repository persists off-ramp requests, settlement transfers, and
// webhook deliveries to Postgres for inspection and reconciliation. The
// saga's correctness does not depend on it; writes that fail are logged and
// the saga continues.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/offrampd/offramp-backend/internal/offramp"
	"go.uber.org/zap"
)

type Repository struct {
	db     *sql.DB
	logger *zap.SugaredLogger
}

func NewRepository(db *sql.DB, logger *zap.SugaredLogger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Off-ramp request lifecycle
func (r *Repository) CreateRequest(ctx context.Context, req offramp.Request) error {
	query := `
		INSERT INTO off_ramp_requests (id, swap_id, token, amount, fiat_currency, bank_code, account_number, account_name, user_address, destination_fiat_amount, step, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'validate', NOW(), NOW())
		ON CONFLICT (id) DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, query,
		req.ID,
		req.SwapID,
		req.Token,
		req.Amount,
		req.FiatCurrency,
		req.BankCode,
		req.AccountNumber,
		req.AccountName,
		req.UserAddress,
		req.DestinationFiatAmount,
	)

	if err != nil {
		return fmt.Errorf("failed to store off-ramp request: %w", err)
	}

	return nil
}

func (r *Repository) MarkRequestStep(ctx context.Context, requestID string, step offramp.Step) error {
	query := `UPDATE off_ramp_requests SET step = $2, updated_at = NOW() WHERE id = $1`

	_, err := r.db.ExecContext(ctx, query, requestID, string(step))
	if err != nil {
		return fmt.Errorf("failed to mark request step: %w", err)
	}

	return nil
}

func (r *Repository) FinishRequest(ctx context.Context, requestID, finalStatus, sourceTxHash, settlementTxHash, orderID, failure string) error {
	query := `
		UPDATE off_ramp_requests
		SET final_status = $2,
			source_tx_hash = NULLIF($3, ''),
			settlement_tx_hash = NULLIF($4, ''),
			payout_order_id = NULLIF($5, ''),
			failure = NULLIF($6, ''),
			finished_at = NOW(),
			updated_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.ExecContext(ctx, query, requestID, finalStatus, sourceTxHash, settlementTxHash, orderID, failure)
	if err != nil {
		return fmt.Errorf("failed to finish off-ramp request: %w", err)
	}

	return nil
}

// RequestSummary is the persisted view of one off-ramp request, served by
// the status lookup endpoint.
type RequestSummary struct {
	ID               string     `json:"id"`
	SwapID           string     `json:"swapId"`
	Token            string     `json:"token"`
	Amount           string     `json:"amount"`
	FiatCurrency     string     `json:"fiatCurrency"`
	Step             string     `json:"step"`
	FinalStatus      *string    `json:"finalStatus,omitempty"`
	SourceTxHash     *string    `json:"sourceChainTxHash,omitempty"`
	SettlementTxHash *string    `json:"settlementTxHash,omitempty"`
	PayoutOrderID    *string    `json:"paycrestOrderId,omitempty"`
	Failure          *string    `json:"failure,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
	FinishedAt       *time.Time `json:"finishedAt,omitempty"`
}

var ErrRequestNotFound = fmt.Errorf("off-ramp request not found")

func (r *Repository) GetRequest(ctx context.Context, requestID string) (*RequestSummary, error) {
	query := `
		SELECT id, swap_id, token, amount::text, fiat_currency, step, final_status, source_tx_hash, settlement_tx_hash, payout_order_id, failure, created_at, finished_at
		FROM off_ramp_requests
		WHERE id = $1
	`

	var summary RequestSummary
	err := r.db.QueryRowContext(ctx, query, requestID).Scan(
		&summary.ID,
		&summary.SwapID,
		&summary.Token,
		&summary.Amount,
		&summary.FiatCurrency,
		&summary.Step,
		&summary.FinalStatus,
		&summary.SourceTxHash,
		&summary.SettlementTxHash,
		&summary.PayoutOrderID,
		&summary.Failure,
		&summary.CreatedAt,
		&summary.FinishedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrRequestNotFound
		}
		return nil, fmt.Errorf("failed to get off-ramp request: %w", err)
	}

	return &summary, nil
}

// Settlement transfers
func (r *Repository) RecordSettlementTransfer(ctx context.Context, idemKey, destination, amountBase, txHash string, broadcastUncertain bool) error {
	query := `
		INSERT INTO settlement_transfers (idempotency_key, destination, amount_base, tx_hash, broadcast_uncertain, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (idempotency_key) DO UPDATE SET
			tx_hash = EXCLUDED.tx_hash,
			broadcast_uncertain = EXCLUDED.broadcast_uncertain
	`

	_, err := r.db.ExecContext(ctx, query, idemKey, destination, amountBase, txHash, broadcastUncertain)
	if err != nil {
		return fmt.Errorf("failed to record settlement transfer: %w", err)
	}

	return nil
}

// Webhook deliveries
func (r *Repository) RecordWebhookEvent(ctx context.Context, orderID, reportedStatus string, eventTime time.Time, applied bool, payload []byte) error {
	query := `
		INSERT INTO webhook_events (order_id, reported_status, event_time, applied, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`

	_, err := r.db.ExecContext(ctx, query, orderID, reportedStatus, eventTime, applied, payload)
	if err != nil {
		return fmt.Errorf("failed to record webhook event: %w", err)
	}

	return nil
}

// Health check
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
