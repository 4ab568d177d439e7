package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/gateway-service/internal/domain"
)

const transferColumns = `id, user_id, source_account_id, source_account_number, destination_account_number,
	receiver_service_id, merchant_transaction_id, amount, note, status, requires_manual_refund,
	failure_reason, created_at, updated_at`

const intentColumns = `id, receiver_service_id, amount, status, sender_service_id, created_at, updated_at`

func scanTransfer(row rowScanner) (*domain.Transfer, error) {
	var (
		t        domain.Transfer
		receiver uuid.NullUUID
		intent   uuid.NullUUID
		status   string
		reason   sql.NullString
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.SourceAccountID, &t.SourceAccountNumber, &t.DestinationAccountNumber,
		&receiver, &intent, &t.Amount, &t.Note, &status, &t.RequiresManualRefund, &reason, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Status = domain.TransferStatus(status)
	if receiver.Valid {
		t.ReceiverServiceID = &receiver.UUID
	}
	if intent.Valid {
		t.MerchantTransactionID = &intent.UUID
	}
	if reason.Valid {
		t.FailureReason = &reason.String
	}
	return &t, nil
}

func scanIntent(row rowScanner) (*domain.MerchantTransaction, error) {
	var (
		m      domain.MerchantTransaction
		status string
		sender uuid.NullUUID
	)
	if err := row.Scan(&m.ID, &m.ReceiverServiceID, &m.Amount, &status, &sender, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	m.Status = domain.IntentStatus(status)
	if sender.Valid {
		m.SenderServiceID = &sender.UUID
	}
	return &m, nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

// CreateTransfer persists a new transfer record in its initial status.
func (r *PostgresRepository) CreateTransfer(ctx context.Context, t *domain.Transfer) error {
	now := r.now().UTC()
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	query := `
		INSERT INTO sender_service_accounts (` + transferColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL, $12, $12)
	`
	_, err := r.db.ExecContext(ctx, query, t.ID, t.UserID, t.SourceAccountID, t.SourceAccountNumber,
		t.DestinationAccountNumber, nullableUUID(t.ReceiverServiceID), nullableUUID(t.MerchantTransactionID),
		t.Amount, t.Note, string(t.Status), t.RequiresManualRefund, now)
	if err != nil {
		return fmt.Errorf("insert transfer: %w", err)
	}
	t.CreatedAt = now
	t.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) UpdateTransferStatus(ctx context.Context, id uuid.UUID, from, to domain.TransferStatus, update TransferStatusUpdate) error {
	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}
	var reason sql.NullString
	if update.FailureReason != "" {
		reason = sql.NullString{String: update.FailureReason, Valid: true}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE sender_service_accounts
		SET status = $3,
			requires_manual_refund = requires_manual_refund OR $4,
			failure_reason = COALESCE($5, failure_reason),
			updated_at = $6
		WHERE id = $1 AND status = $2
	`, id, string(from), string(to), update.RequiresManualRefund, reason, r.now().UTC())
	if err != nil {
		return fmt.Errorf("update transfer status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: transfer %s is no longer %s", domain.ErrInvalidTransition, id, from)
	}
	return nil
}

func (r *PostgresRepository) FindTransferByID(ctx context.Context, id uuid.UUID) (*domain.Transfer, error) {
	t, err := scanTransfer(r.db.QueryRowContext(ctx, `SELECT `+transferColumns+` FROM sender_service_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrTransferNotFound
		}
		return nil, fmt.Errorf("find transfer: %w", err)
	}
	return t, nil
}

func (r *PostgresRepository) ListTransfersByUser(ctx context.Context, userID string, limit int) ([]domain.Transfer, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+transferColumns+` FROM sender_service_accounts
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, domain.ClampTransferListLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list transfers: %w", err)
	}
	return collectTransfers(rows)
}

// ListStaleTransfers returns records in one of statuses whose last update precedes updatedBefore.
func (r *PostgresRepository) ListStaleTransfers(ctx context.Context, statuses []domain.TransferStatus, updatedBefore time.Time, limit int) ([]domain.Transfer, error) {
	if len(statuses) == 0 {
		return []domain.Transfer{}, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := []any{updatedBefore.UTC(), limit}
	placeholders := make([]string, 0, len(statuses))
	for i, s := range statuses {
		args = append(args, string(s))
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+3))
	}
	query := `
		SELECT ` + transferColumns + ` FROM sender_service_accounts
		WHERE updated_at < $1 AND status IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY updated_at ASC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale transfers: %w", err)
	}
	return collectTransfers(rows)
}

func collectTransfers(rows *sql.Rows) ([]domain.Transfer, error) {
	defer rows.Close()
	transfers := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		transfers = append(transfers, *t)
	}
	return transfers, rows.Err()
}

func (r *PostgresRepository) CreateIntent(ctx context.Context, m *domain.MerchantTransaction) error {
	now := r.now().UTC()
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO merchant_transactions (`+intentColumns+`)
		VALUES ($1, $2, $3, $4, NULL, $5, $5)
	`, m.ID, m.ReceiverServiceID, m.Amount, string(m.Status), now)
	if err != nil {
		return fmt.Errorf("insert merchant transaction: %w", err)
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) FindIntentByID(ctx context.Context, id uuid.UUID) (*domain.MerchantTransaction, error) {
	m, err := scanIntent(r.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM merchant_transactions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, fmt.Errorf("find merchant transaction: %w", err)
	}
	return m, nil
}

func (r *PostgresRepository) CompleteIntent(ctx context.Context, id uuid.UUID, transferID uuid.UUID) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE merchant_transactions
		SET status = 'Completed', sender_service_id = $2, updated_at = $3
		WHERE id = $1 AND status = 'Initiated'
	`, id, transferID, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("complete merchant transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM merchant_transactions WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check merchant transaction: %w", err)
	}
	if !exists {
		return false, domain.ErrIntentNotFound
	}
	return false, nil
}
