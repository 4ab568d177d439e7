/**
 * @description
 * PostgreSQL implementation of the Repository for linked accounts and receiver aliases.
 * Queries run through database/sql on top of the pgx stdlib driver.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5/pgconn: unique-violation detection.
 * - internal/domain: the gateway's models and error taxonomy.
 */

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/transfa/gateway-service/internal/domain"
)

const uniqueViolation = "23505"

const accountColumns = `id, owner_user_id, account_number, holder_name, customer_id, routing_code,
	pin_hash, status, account_token, is_merchant, merchant_keys, created_at, updated_at`

const aliasColumns = `id, owner_user_id, account_number, display_name, created_at, updated_at`

// PostgresRepository is the PostgreSQL implementation of Repository.
type PostgresRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresRepository creates a repository over db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db, now: time.Now}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var (
		a       domain.Account
		status  string
		token   sql.NullString
		rawKeys []byte
	)
	if err := row.Scan(&a.ID, &a.OwnerUserID, &a.AccountNumber, &a.HolderName, &a.CustomerID,
		&a.RoutingCode, &a.PINHash, &status, &token, &a.IsMerchant, &rawKeys, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Status = domain.AccountStatus(status)
	if token.Valid {
		a.AccountToken = &token.String
	}
	if len(rawKeys) > 0 {
		if err := json.Unmarshal(rawKeys, &a.MerchantKeys); err != nil {
			return nil, fmt.Errorf("decode merchant keys: %w", err)
		}
	}
	return &a, nil
}

func scanAlias(row rowScanner) (*domain.ReceiverServiceAccount, error) {
	var r domain.ReceiverServiceAccount
	if err := row.Scan(&r.ID, &r.OwnerUserID, &r.AccountNumber, &r.DisplayName, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

func encodeKeys(keys []domain.MerchantKey) (string, error) {
	if keys == nil {
		keys = []domain.MerchantKey{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return "", fmt.Errorf("encode merchant keys: %w", err)
	}
	return string(raw), nil
}

// CreateAccount inserts a new Pending account. A duplicate account number maps to
// domain.ErrAlreadyLinked.
func (r *PostgresRepository) CreateAccount(ctx context.Context, a *domain.Account) error {
	keys, err := encodeKeys(a.MerchantKeys)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	query := `
		INSERT INTO accounts (` + accountColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::jsonb, $12, $12)
	`
	_, err = r.db.ExecContext(ctx, query, a.ID, a.OwnerUserID, a.AccountNumber, a.HolderName,
		a.CustomerID, a.RoutingCode, a.PINHash, string(a.Status), a.AccountToken, a.IsMerchant, keys, now)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyLinked
		}
		return fmt.Errorf("insert account: %w", err)
	}
	a.CreatedAt = now
	a.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) FindAccountByID(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) FindAccountByNumber(ctx context.Context, accountNumber string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE account_number = $1`, accountNumber)
	a, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAccountNotFound
		}
		return nil, fmt.Errorf("find account by number: %w", err)
	}
	return a, nil
}

func (r *PostgresRepository) ListAccountsByOwner(ctx context.Context, ownerUserID string) ([]domain.Account, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	accounts := []domain.Account{}
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		accounts = append(accounts, *a)
	}
	return accounts, rows.Err()
}

// RefreshPendingLink only touches accounts that are still Pending or Unlinked.
func (r *PostgresRepository) RefreshPendingLink(ctx context.Context, a *domain.Account) error {
	now := r.now().UTC()
	query := `
		UPDATE accounts
		SET owner_user_id = $2, holder_name = $3, customer_id = $4, routing_code = $5,
			pin_hash = $6, updated_at = $7
		WHERE id = $1 AND status IN ('Pending', 'Unlinked')
	`
	res, err := r.db.ExecContext(ctx, query, a.ID, a.OwnerUserID, a.HolderName, a.CustomerID, a.RoutingCode, a.PINHash, now)
	if err != nil {
		return fmt.Errorf("refresh pending link: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidState
	}
	a.UpdatedAt = now
	return nil
}

func (r *PostgresRepository) ConfirmAccountLink(ctx context.Context, accountID uuid.UUID, accountToken string) (*domain.ReceiverServiceAccount, error) {
	var alias *domain.ReceiverServiceAccount
	now := r.now().UTC()
	err := withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		var ownerUserID, accountNumber string
		err := tx.QueryRowContext(ctx, `
			UPDATE accounts
			SET status = 'Verified', account_token = $2, updated_at = $3
			WHERE id = $1 AND status IN ('Pending', 'Unlinked')
			RETURNING owner_user_id, account_number
		`, accountID, accountToken, now).Scan(&ownerUserID, &accountNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrInvalidState
			}
			return fmt.Errorf("verify account: %w", err)
		}

		// The confirmed owner is now the only one who may receive on this number.
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM receiver_service_accounts
			WHERE account_number = $1 AND owner_user_id <> $2
		`, accountNumber, ownerUserID); err != nil {
			return fmt.Errorf("drop stale aliases: %w", err)
		}

		row := tx.QueryRowContext(ctx, `
			INSERT INTO receiver_service_accounts (id, owner_user_id, account_number, display_name, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $5)
			ON CONFLICT (owner_user_id, account_number)
			DO UPDATE SET updated_at = receiver_service_accounts.updated_at
			RETURNING `+aliasColumns,
			uuid.New(), ownerUserID, accountNumber, domain.DefaultAliasName, now)
		alias, err = scanAlias(row)
		if err != nil {
			return fmt.Errorf("find or create alias: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return alias, nil
}

func (r *PostgresRepository) UnlinkAccount(ctx context.Context, accountID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET status = 'Unlinked', account_token = NULL, updated_at = $2
		WHERE id = $1 AND status = 'Verified'
	`, accountID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("unlink account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrInvalidState
	}
	return nil
}

// DeleteAccountWithAliases removes the account and every alias derived from its number.
func (r *PostgresRepository) DeleteAccountWithAliases(ctx context.Context, accountID uuid.UUID) error {
	return withTx(ctx, r.db, func(ctx context.Context, tx DBTX) error {
		var accountNumber string
		err := tx.QueryRowContext(ctx, `DELETE FROM accounts WHERE id = $1 RETURNING account_number`, accountID).Scan(&accountNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return domain.ErrAccountNotFound
			}
			return fmt.Errorf("delete account: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM receiver_service_accounts WHERE account_number = $1`, accountNumber); err != nil {
			return fmt.Errorf("delete aliases: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) EnableMerchant(ctx context.Context, accountID uuid.UUID) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET is_merchant = TRUE, updated_at = $2
		WHERE id = $1 AND status = 'Verified'
	`, accountID, r.now().UTC())
	if err != nil {
		return fmt.Errorf("enable merchant: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrAccountNotVerified
	}
	return nil
}

func (r *PostgresRepository) UpdateMerchantKeys(ctx context.Context, accountID uuid.UUID, keys []domain.MerchantKey) error {
	encoded, err := encodeKeys(keys)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts SET merchant_keys = $2::jsonb, updated_at = $3
		WHERE id = $1 AND is_merchant = TRUE
	`, accountID, encoded, r.now().UTC())
	if err != nil {
		return fmt.Errorf("update merchant keys: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotMerchant
	}
	return nil
}

func (r *PostgresRepository) FindAliasByID(ctx context.Context, id uuid.UUID) (*domain.ReceiverServiceAccount, error) {
	alias, err := scanAlias(r.db.QueryRowContext(ctx, `SELECT `+aliasColumns+` FROM receiver_service_accounts WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAliasNotFound
		}
		return nil, fmt.Errorf("find alias: %w", err)
	}
	return alias, nil
}

func (r *PostgresRepository) ListAliasesByOwner(ctx context.Context, ownerUserID string) ([]domain.ReceiverServiceAccount, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+aliasColumns+` FROM receiver_service_accounts WHERE owner_user_id = $1 ORDER BY created_at DESC`, ownerUserID)
	if err != nil {
		return nil, fmt.Errorf("list aliases: %w", err)
	}
	defer rows.Close()

	aliases := []domain.ReceiverServiceAccount{}
	for rows.Next() {
		alias, err := scanAlias(rows)
		if err != nil {
			return nil, fmt.Errorf("scan alias: %w", err)
		}
		aliases = append(aliases, *alias)
	}
	return aliases, rows.Err()
}

func (r *PostgresRepository) RenameAlias(ctx context.Context, ownerUserID string, aliasID uuid.UUID, displayName string) (*domain.ReceiverServiceAccount, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE receiver_service_accounts SET display_name = $3, updated_at = $4
		WHERE id = $1 AND owner_user_id = $2
		RETURNING `+aliasColumns, aliasID, ownerUserID, displayName, r.now().UTC())
	alias, err := scanAlias(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrAliasNotFound
		}
		return nil, fmt.Errorf("rename alias: %w", err)
	}
	return alias, nil
}
