package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"escrow-service/internal/models"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Store is the Postgres-backed Repository.
type Store struct {
	db *sqlx.DB
}

var _ Repository = (*Store)(nil)

// NewStore creates a new database store
func NewStore(databaseURL string) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// GetDB returns the underlying database connection
func (s *Store) GetDB() *sqlx.DB {
	return s.db
}

// CreateWallet inserts a new wallet row; the order_id unique constraint
// enforces the one-wallet-per-order rule.
func (s *Store) CreateWallet(ctx context.Context, w *models.Wallet) error {
	query := `
		INSERT INTO wallets (order_id, status, deposit_amount, full_amount, amount_held, amount_released, amount_refunded)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, w, query,
		w.OrderID, w.Status, w.DepositAmount, w.FullAmount,
		w.AmountHeld, w.AmountReleased, w.AmountRefunded)
}

// GetWalletByID retrieves a wallet by ID
func (s *Store) GetWalletByID(ctx context.Context, id int64) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.GetContext(ctx, &w, "SELECT * FROM wallets WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("wallet %d: %w", id, models.ErrWalletNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// GetWalletByOrderID retrieves the wallet owning an order
func (s *Store) GetWalletByOrderID(ctx context.Context, orderID int64) (*models.Wallet, error) {
	var w models.Wallet
	err := s.db.GetContext(ctx, &w, "SELECT * FROM wallets WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrWalletNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// ListWalletsByStatus retrieves wallets filtered by status
func (s *Store) ListWalletsByStatus(ctx context.Context, status models.WalletStatus) ([]models.Wallet, error) {
	var wallets []models.Wallet
	err := s.db.SelectContext(ctx, &wallets,
		"SELECT * FROM wallets WHERE status = $1 ORDER BY id", status)
	return wallets, err
}

// ApplyWalletMutation updates the wallet row and appends one journal
// entry within a single transaction. The wallet row is locked first so
// DB-level serialization mirrors the per-wallet lock held by the caller.
func (s *Store) ApplyWalletMutation(ctx context.Context, w *models.Wallet, entry *models.TransactionEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var locked int64
	err = tx.GetContext(ctx, &locked,
		"SELECT id FROM wallets WHERE id = $1 FOR UPDATE", w.ID)
	if err != nil {
		return fmt.Errorf("failed to lock wallet: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets
		SET status = $1, amount_held = $2, amount_released = $3, amount_refunded = $4, updated_at = NOW()
		WHERE id = $5`,
		w.Status, w.AmountHeld, w.AmountReleased, w.AmountRefunded, w.ID)
	if err != nil {
		return fmt.Errorf("failed to update wallet: %w", err)
	}

	query := `
		INSERT INTO wallet_journal (wallet_id, sequence, kind, amount, balance_after, actor, reference)
		VALUES ($1,
			(SELECT COALESCE(MAX(sequence), 0) + 1 FROM wallet_journal WHERE wallet_id = $1),
			$2, $3, $4, $5, $6)
		RETURNING id, sequence, created_at`

	err = tx.QueryRowxContext(ctx, query,
		entry.WalletID, entry.Kind, entry.Amount, entry.BalanceAfter,
		entry.Actor, entry.Reference).
		Scan(&entry.ID, &entry.Sequence, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}

	return tx.Commit()
}

// SetWalletStatus persists a status-only transition
func (s *Store) SetWalletStatus(ctx context.Context, id int64, status models.WalletStatus) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE wallets SET status = $1, updated_at = NOW() WHERE id = $2",
		status, id)
	return err
}

// ListJournal retrieves all journal entries for a wallet in sequence order
func (s *Store) ListJournal(ctx context.Context, walletID int64) ([]models.TransactionEntry, error) {
	var entries []models.TransactionEntry
	err := s.db.SelectContext(ctx, &entries,
		"SELECT * FROM wallet_journal WHERE wallet_id = $1 ORDER BY sequence", walletID)
	return entries, err
}

// JournaledRefundTotal sums refunds minus adjustments for a reference
func (s *Store) JournaledRefundTotal(ctx context.Context, walletID int64, reference string) (int64, error) {
	// Refund entries carry negative amounts and adjustments positive
	// ones, so the net refunded total is the negated sum over both.
	var total int64
	err := s.db.GetContext(ctx, &total, `
		SELECT COALESCE(-SUM(amount), 0)
		FROM wallet_journal
		WHERE wallet_id = $1 AND reference = $2 AND kind IN ($3, $4)`,
		walletID, reference, models.EntryKindRefund, models.EntryKindAdjustment)
	return total, err
}
