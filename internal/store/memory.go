package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"escrow-service/internal/models"
)

// Memory is an in-memory Repository used by unit tests. It mirrors the
// Postgres implementation's semantics, including per-wallet journal
// sequences and the processing compare-and-set.
type Memory struct {
	mu            sync.Mutex
	wallets       map[int64]*models.Wallet
	walletByOrder map[int64]int64
	journal       map[int64][]models.TransactionEntry
	cancellations map[int64]*models.CancellationRecord
	timelines     map[int64][]models.TimelineEvent
	fulfillments  map[int64]*models.Fulfillment
	nextWallet    int64
	nextCancel    int64
	nextFulfill   int64
	nextEntry     int64
	nextTimeline  int64
}

var _ Repository = (*Memory)(nil)

// NewMemory creates an empty in-memory repository
func NewMemory() *Memory {
	return &Memory{
		wallets:       make(map[int64]*models.Wallet),
		walletByOrder: make(map[int64]int64),
		journal:       make(map[int64][]models.TransactionEntry),
		cancellations: make(map[int64]*models.CancellationRecord),
		timelines:     make(map[int64][]models.TimelineEvent),
		fulfillments:  make(map[int64]*models.Fulfillment),
	}
}

func (m *Memory) CreateWallet(ctx context.Context, w *models.Wallet) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.walletByOrder[w.OrderID]; ok {
		return fmt.Errorf("order %d: %w", w.OrderID, models.ErrWalletExists)
	}

	m.nextWallet++
	w.ID = m.nextWallet
	w.CreatedAt = time.Now()
	w.UpdatedAt = w.CreatedAt

	cp := *w
	m.wallets[w.ID] = &cp
	m.walletByOrder[w.OrderID] = w.ID
	return nil
}

func (m *Memory) GetWalletByID(ctx context.Context, id int64) (*models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return nil, fmt.Errorf("wallet %d: %w", id, models.ErrWalletNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) GetWalletByOrderID(ctx context.Context, orderID int64) (*models.Wallet, error) {
	m.mu.Lock()
	id, ok := m.walletByOrder[orderID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("order %d: %w", orderID, models.ErrWalletNotFound)
	}
	return m.GetWalletByID(ctx, id)
}

func (m *Memory) ListWalletsByStatus(ctx context.Context, status models.WalletStatus) ([]models.Wallet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Wallet
	for _, w := range m.wallets {
		if w.Status == status {
			out = append(out, *w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ApplyWalletMutation(ctx context.Context, w *models.Wallet, entry *models.TransactionEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.wallets[w.ID]
	if !ok {
		return fmt.Errorf("wallet %d: %w", w.ID, models.ErrWalletNotFound)
	}

	stored.Status = w.Status
	stored.AmountHeld = w.AmountHeld
	stored.AmountReleased = w.AmountReleased
	stored.AmountRefunded = w.AmountRefunded
	stored.UpdatedAt = time.Now()
	w.UpdatedAt = stored.UpdatedAt

	m.nextEntry++
	entry.ID = m.nextEntry
	entry.Sequence = int64(len(m.journal[w.ID]) + 1)
	entry.CreatedAt = time.Now()
	m.journal[w.ID] = append(m.journal[w.ID], *entry)
	return nil
}

func (m *Memory) SetWalletStatus(ctx context.Context, id int64, status models.WalletStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.wallets[id]
	if !ok {
		return fmt.Errorf("wallet %d: %w", id, models.ErrWalletNotFound)
	}
	w.Status = status
	w.UpdatedAt = time.Now()
	return nil
}

func (m *Memory) ListJournal(ctx context.Context, walletID int64) ([]models.TransactionEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries := make([]models.TransactionEntry, len(m.journal[walletID]))
	copy(entries, m.journal[walletID])
	return entries, nil
}

func (m *Memory) JournaledRefundTotal(ctx context.Context, walletID int64, reference string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var total int64
	for _, e := range m.journal[walletID] {
		if e.Reference != reference {
			continue
		}
		if e.Kind == models.EntryKindRefund || e.Kind == models.EntryKindAdjustment {
			total -= e.Amount
		}
	}
	return total, nil
}

func (m *Memory) CreateCancellation(ctx context.Context, rec *models.CancellationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextCancel++
	rec.ID = m.nextCancel
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt

	for i := range rec.Timeline {
		m.nextTimeline++
		rec.Timeline[i].ID = m.nextTimeline
		rec.Timeline[i].CancellationID = rec.ID
		rec.Timeline[i].CreatedAt = time.Now()
	}
	m.timelines[rec.ID] = append([]models.TimelineEvent(nil), rec.Timeline...)

	cp := *rec
	cp.Timeline = nil
	m.cancellations[rec.ID] = &cp
	return nil
}

func (m *Memory) GetCancellationByID(ctx context.Context, id int64) (*models.CancellationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cancellations[id]
	if !ok {
		return nil, fmt.Errorf("cancellation %d: %w", id, models.ErrCancellationNotFound)
	}
	cp := *rec
	cp.Timeline = append([]models.TimelineEvent(nil), m.timelines[id]...)
	return &cp, nil
}

func (m *Memory) GetActiveCancellationByOrderID(ctx context.Context, orderID int64) (*models.CancellationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var latest *models.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.OrderID == orderID && rec.Active() {
			if latest == nil || rec.ID > latest.ID {
				latest = rec
			}
		}
	}
	if latest == nil {
		return nil, nil
	}
	cp := *latest
	return &cp, nil
}

func (m *Memory) ListCancellationsByRefundStatus(ctx context.Context, status models.RefundStatus) ([]models.CancellationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.RefundStatus == status {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListStuckProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.CancellationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.CancellationRecord
	for _, rec := range m.cancellations {
		if rec.RefundStatus == models.RefundStatusProcessing && rec.UpdatedAt.Before(cutoff) {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) MarkRefundProcessing(ctx context.Context, id int64, actor string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cancellations[id]
	if !ok {
		return false, fmt.Errorf("cancellation %d: %w", id, models.ErrCancellationNotFound)
	}
	if rec.RefundStatus != models.RefundStatusPending && rec.RefundStatus != models.RefundStatusFailed {
		return false, nil
	}

	rec.RefundStatus = models.RefundStatusProcessing
	rec.UpdatedAt = time.Now()
	m.appendTimelineLocked(id, models.RefundStatusProcessing, actor, "refund execution started")
	return true, nil
}

func (m *Memory) CompleteRefund(ctx context.Context, id int64, externalTxID, actor, note string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cancellations[id]
	if !ok {
		return false, fmt.Errorf("cancellation %d: %w", id, models.ErrCancellationNotFound)
	}
	if rec.RefundStatus != models.RefundStatusProcessing {
		return false, nil
	}
	rec.RefundStatus = models.RefundStatusCompleted
	rec.ExternalTxID = externalTxID
	rec.UpdatedAt = time.Now()
	m.appendTimelineLocked(id, models.RefundStatusCompleted, actor, note)
	return true, nil
}

func (m *Memory) FailRefund(ctx context.Context, id int64, actor, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.cancellations[id]
	if !ok {
		return fmt.Errorf("cancellation %d: %w", id, models.ErrCancellationNotFound)
	}
	rec.RefundStatus = models.RefundStatusFailed
	rec.UpdatedAt = time.Now()
	m.appendTimelineLocked(id, models.RefundStatusFailed, actor, reason)
	return nil
}

func (m *Memory) ApplyOverride(ctx context.Context, rec *models.CancellationRecord, actor, note string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.cancellations[rec.ID]
	if !ok {
		return fmt.Errorf("cancellation %d: %w", rec.ID, models.ErrCancellationNotFound)
	}
	stored.RefundAmount = rec.RefundAmount
	stored.PenaltyAmount = rec.PenaltyAmount
	stored.AdminOverride = true
	stored.AdminOverrideReason = rec.AdminOverrideReason
	stored.RefundStatus = rec.RefundStatus
	stored.ExternalTxID = rec.ExternalTxID
	stored.UpdatedAt = time.Now()
	m.appendTimelineLocked(rec.ID, rec.RefundStatus, actor, note)
	return nil
}

func (m *Memory) AppendTimeline(ctx context.Context, ev *models.TimelineEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTimeline++
	ev.ID = m.nextTimeline
	ev.CreatedAt = time.Now()
	m.timelines[ev.CancellationID] = append(m.timelines[ev.CancellationID], *ev)
	return nil
}

func (m *Memory) appendTimelineLocked(id int64, status models.RefundStatus, actor, note string) {
	m.nextTimeline++
	m.timelines[id] = append(m.timelines[id], models.TimelineEvent{
		ID:             m.nextTimeline,
		CancellationID: id,
		Status:         status,
		Actor:          actor,
		Note:           note,
		CreatedAt:      time.Now(),
	})
}

func (m *Memory) CreateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextFulfill++
	f.ID = m.nextFulfill
	f.CreatedAt = time.Now()
	f.UpdatedAt = f.CreatedAt

	cp := *f
	m.fulfillments[f.ID] = &cp
	return nil
}

func (m *Memory) GetFulfillmentByID(ctx context.Context, id int64) (*models.Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fulfillments[id]
	if !ok {
		return nil, fmt.Errorf("fulfillment %d: %w", id, models.ErrFulfillmentNotFound)
	}
	cp := *f
	return &cp, nil
}

func (m *Memory) ListFulfillmentsByOrderID(ctx context.Context, orderID int64) ([]models.Fulfillment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Fulfillment
	for _, f := range m.fulfillments {
		if f.OrderID == orderID {
			out = append(out, *f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *Memory) UpdateFulfillment(ctx context.Context, f *models.Fulfillment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.fulfillments[f.ID]
	if !ok {
		return fmt.Errorf("fulfillment %d: %w", f.ID, models.ErrFulfillmentNotFound)
	}
	stored.Status = f.Status
	stored.ItemsShipped = f.ItemsShipped
	stored.ItemsRemaining = f.ItemsRemaining
	stored.SettledValue = f.SettledValue
	stored.RemainingAction = f.RemainingAction
	stored.DeliveryProof = f.DeliveryProof
	stored.CustomerConfirmation = f.CustomerConfirmation
	stored.Closed = f.Closed
	stored.UpdatedAt = time.Now()
	f.UpdatedAt = stored.UpdatedAt
	return nil
}
