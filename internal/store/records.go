package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"escrow-service/internal/models"
)

// CreateCancellation inserts a cancellation record with an initial
// timeline entry in one transaction.
func (s *Store) CreateCancellation(ctx context.Context, rec *models.CancellationRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO cancellations (
			order_id, wallet_id, cancellation_date, harvest_date, days_before_harvest,
			policy_tier, original_deposit, refund_percentage, refund_amount, penalty_amount,
			admin_override, admin_override_reason, refund_status, external_tx_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	err = tx.QueryRowxContext(ctx, query,
		rec.OrderID, rec.WalletID, rec.CancellationDate, rec.HarvestDate, rec.DaysBeforeHarvest,
		rec.PolicyTier, rec.OriginalDeposit, rec.RefundPercentage, rec.RefundAmount, rec.PenaltyAmount,
		rec.AdminOverride, rec.AdminOverrideReason, rec.RefundStatus, rec.ExternalTxID).
		Scan(&rec.ID, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create cancellation: %w", err)
	}

	timelineQuery := `
		INSERT INTO cancellation_timeline (cancellation_id, status, actor, note)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	for i := range rec.Timeline {
		rec.Timeline[i].CancellationID = rec.ID
		ev := &rec.Timeline[i]
		err = tx.QueryRowxContext(ctx, timelineQuery,
			ev.CancellationID, ev.Status, ev.Actor, ev.Note).
			Scan(&ev.ID, &ev.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to append timeline: %w", err)
		}
	}

	return tx.Commit()
}

// GetCancellationByID retrieves a cancellation with its full timeline
func (s *Store) GetCancellationByID(ctx context.Context, id int64) (*models.CancellationRecord, error) {
	var rec models.CancellationRecord
	err := s.db.GetContext(ctx, &rec, "SELECT * FROM cancellations WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cancellation %d: %w", id, models.ErrCancellationNotFound)
	}
	if err != nil {
		return nil, err
	}

	err = s.db.SelectContext(ctx, &rec.Timeline,
		"SELECT * FROM cancellation_timeline WHERE cancellation_id = $1 ORDER BY id", id)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// GetActiveCancellationByOrderID finds a pending or processing
// cancellation for an order, or nil when none exists.
func (s *Store) GetActiveCancellationByOrderID(ctx context.Context, orderID int64) (*models.CancellationRecord, error) {
	var rec models.CancellationRecord
	err := s.db.GetContext(ctx, &rec, `
		SELECT * FROM cancellations
		WHERE order_id = $1 AND refund_status IN ($2, $3)
		ORDER BY id DESC LIMIT 1`,
		orderID, models.RefundStatusPending, models.RefundStatusProcessing)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListCancellationsByRefundStatus retrieves cancellations by refund status
func (s *Store) ListCancellationsByRefundStatus(ctx context.Context, status models.RefundStatus) ([]models.CancellationRecord, error) {
	var recs []models.CancellationRecord
	err := s.db.SelectContext(ctx, &recs,
		"SELECT * FROM cancellations WHERE refund_status = $1 ORDER BY id", status)
	return recs, err
}

// ListStuckProcessing finds processing records older than the cutoff;
// the reconciliation sweep re-drives these.
func (s *Store) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.CancellationRecord, error) {
	var recs []models.CancellationRecord
	err := s.db.SelectContext(ctx, &recs, `
		SELECT * FROM cancellations
		WHERE refund_status = $1 AND updated_at < $2
		ORDER BY updated_at
		LIMIT $3`,
		models.RefundStatusProcessing, cutoff, limit)
	return recs, err
}

// MarkRefundProcessing is a compare-and-set from pending or failed to
// processing. Zero rows affected means the record already moved on.
func (s *Store) MarkRefundProcessing(ctx context.Context, id int64, actor string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cancellations
		SET refund_status = $1, updated_at = NOW()
		WHERE id = $2 AND refund_status IN ($3, $4)`,
		models.RefundStatusProcessing, id, models.RefundStatusPending, models.RefundStatusFailed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	return true, s.AppendTimeline(ctx, &models.TimelineEvent{
		CancellationID: id,
		Status:         models.RefundStatusProcessing,
		Actor:          actor,
		Note:           "refund execution started",
	})
}

// CompleteRefund records a confirmed external refund outcome. It only
// fires from processing; zero rows affected means the record was
// finalized by another path first.
func (s *Store) CompleteRefund(ctx context.Context, id int64, externalTxID, actor, note string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cancellations
		SET refund_status = $1, external_tx_id = $2, updated_at = NOW()
		WHERE id = $3 AND refund_status = $4`,
		models.RefundStatusCompleted, externalTxID, id, models.RefundStatusProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}

	return true, s.AppendTimeline(ctx, &models.TimelineEvent{
		CancellationID: id,
		Status:         models.RefundStatusCompleted,
		Actor:          actor,
		Note:           note,
	})
}

// FailRefund records an explicit gateway decline; failed is retryable.
func (s *Store) FailRefund(ctx context.Context, id int64, actor, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cancellations
		SET refund_status = $1, updated_at = NOW()
		WHERE id = $2`,
		models.RefundStatusFailed, id)
	if err != nil {
		return err
	}
	return s.AppendTimeline(ctx, &models.TimelineEvent{
		CancellationID: id,
		Status:         models.RefundStatusFailed,
		Actor:          actor,
		Note:           reason,
	})
}

// ApplyOverride persists an admin override of the computed settlement
func (s *Store) ApplyOverride(ctx context.Context, rec *models.CancellationRecord, actor, note string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE cancellations
		SET refund_amount = $1, penalty_amount = $2, admin_override = TRUE,
		    admin_override_reason = $3, refund_status = $4, external_tx_id = $5, updated_at = NOW()
		WHERE id = $6`,
		rec.RefundAmount, rec.PenaltyAmount, rec.AdminOverrideReason,
		rec.RefundStatus, rec.ExternalTxID, rec.ID)
	if err != nil {
		return err
	}
	return s.AppendTimeline(ctx, &models.TimelineEvent{
		CancellationID: rec.ID,
		Status:         rec.RefundStatus,
		Actor:          actor,
		Note:           note,
	})
}

// AppendTimeline appends one audit step to a cancellation
func (s *Store) AppendTimeline(ctx context.Context, ev *models.TimelineEvent) error {
	query := `
		INSERT INTO cancellation_timeline (cancellation_id, status, actor, note)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`
	return s.db.QueryRowxContext(ctx, query,
		ev.CancellationID, ev.Status, ev.Actor, ev.Note).
		Scan(&ev.ID, &ev.CreatedAt)
}

// CreateFulfillment inserts a shipment batch
func (s *Store) CreateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	query := `
		INSERT INTO fulfillments (
			order_id, sequence, status, ordered_quantity, quantity, items_shipped,
			items_remaining, shipment_value, settled_value, remaining_action,
			delivery_proof, customer_confirmation, closed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, f, query,
		f.OrderID, f.Sequence, f.Status, f.OrderedQuantity, f.Quantity, f.ItemsShipped,
		f.ItemsRemaining, f.ShipmentValue, f.SettledValue, f.RemainingAction,
		f.DeliveryProof, f.CustomerConfirmation, f.Closed)
}

// GetFulfillmentByID retrieves a fulfillment by ID
func (s *Store) GetFulfillmentByID(ctx context.Context, id int64) (*models.Fulfillment, error) {
	var f models.Fulfillment
	err := s.db.GetContext(ctx, &f, "SELECT * FROM fulfillments WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fulfillment %d: %w", id, models.ErrFulfillmentNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

// ListFulfillmentsByOrderID retrieves all batches for an order
func (s *Store) ListFulfillmentsByOrderID(ctx context.Context, orderID int64) ([]models.Fulfillment, error) {
	var fs []models.Fulfillment
	err := s.db.SelectContext(ctx, &fs,
		"SELECT * FROM fulfillments WHERE order_id = $1 ORDER BY sequence", orderID)
	return fs, err
}

// UpdateFulfillment persists delivery progress for a batch
func (s *Store) UpdateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE fulfillments
		SET status = $1, items_shipped = $2, items_remaining = $3, settled_value = $4,
		    remaining_action = $5, delivery_proof = $6, customer_confirmation = $7,
		    closed = $8, updated_at = NOW()
		WHERE id = $9`,
		f.Status, f.ItemsShipped, f.ItemsRemaining, f.SettledValue,
		f.RemainingAction, f.DeliveryProof, f.CustomerConfirmation,
		f.Closed, f.ID)
	return err
}
