package registry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/store"
)

// IssueCreditsRequest describes a new credit batch.
type IssueCreditsRequest struct {
	RecordID     uint64         `json:"record_id"`
	Recipient    store.Identity `json:"recipient"`
	Amount       int64          `json:"amount"`
	VintageYear  int            `json:"vintage_year"`
	Methodology  string         `json:"methodology"`
	SerialNumber string         `json:"serial_number"`
}

// TransferRequest moves units from the caller to To. Without BatchID units are
// drawn from the caller's oldest batches first.
type TransferRequest struct {
	To      store.Identity `json:"to"`
	Amount  int64          `json:"amount"`
	BatchID *uint64        `json:"batch_id,omitempty"`
}

// RetireRequest permanently removes units from the caller's balance.
type RetireRequest struct {
	Amount      int64   `json:"amount"`
	Reason      string  `json:"reason"`
	Beneficiary string  `json:"beneficiary,omitempty"`
	BatchID     *uint64 `json:"batch_id,omitempty"`
}

// Allocation is the part of a transfer or retirement drawn from one batch.
type Allocation struct {
	BatchID   uint64 `json:"batch_id"`
	ProjectID string `json:"project_id"`
	Amount    int64  `json:"amount"`
}

// TransferReceipt describes a completed transfer.
type TransferReceipt struct {
	From        store.Identity `json:"from"`
	To          store.Identity `json:"to"`
	Amount      int64          `json:"amount"`
	Allocations []Allocation   `json:"allocations"`
}

// Portfolio summarizes an identity's holdings.
type Portfolio struct {
	Holder       store.Identity   `json:"holder"`
	Holdings     []store.Holding  `json:"holdings"`
	TotalBalance int64            `json:"total_balance"`
	TotalRetired int64            `json:"total_retired"`
	ByVintage    map[int]int64    `json:"by_vintage"`
	ByProject    map[string]int64 `json:"by_project"`
}

// IssueCredits mints a batch backed by a Verified record and credits the
// recipient. Each record backs at most one batch.
func (s *Service) IssueCredits(ctx context.Context, caller store.Identity, req IssueCreditsRequest) (*store.CreditBatch, error) {
	var batch *store.CreditBatch
	err := s.mutate(ctx, "issue_credits", func(tx store.Tx) ([]events.Event, error) {
		if err := guard(tx, store.RoleMinter, caller); err != nil {
			return nil, err
		}
		if req.Amount <= 0 {
			return nil, validationErr(ReasonInvalidAmount, "amount must be positive")
		}
		if strings.TrimSpace(string(req.Recipient)) == "" {
			return nil, validationErr(ReasonInvalidRecipient, "recipient is required")
		}
		if strings.TrimSpace(req.SerialNumber) == "" {
			return nil, validationErr(ReasonEmptySerial, "serial number is required")
		}
		if req.VintageYear <= 0 {
			return nil, validationErr(ReasonInvalidInput, "vintage year must be positive")
		}
		if year := s.timestamp().Year(); req.VintageYear > year {
			return nil, validationErr(ReasonFutureVintage, "vintage %d is after %d", req.VintageYear, year)
		}
		supply, err := tx.Supply()
		if err != nil {
			return nil, err
		}
		if req.Amount > math.MaxInt64-supply.TotalIssued {
			return nil, validationErr(ReasonAmountOverflow, "issuing %d would overflow total supply %d", req.Amount, supply.TotalIssued)
		}

		record, err := tx.GetRecord(req.RecordID)
		if err != nil {
			return nil, err
		}
		if record.Status != store.StatusVerified {
			return nil, conflictErr(ReasonRecordNotVerified, "record %d is %s", req.RecordID, record.Status)
		}
		if existing, err := tx.BatchForRecord(req.RecordID); err == nil {
			return nil, conflictErr(ReasonAlreadyIssued, "record %d already backs batch %d", req.RecordID, existing.ID)
		} else if !isNotFound(err) {
			return nil, err
		}
		taken, err := tx.SerialExists(req.SerialNumber)
		if err != nil {
			return nil, err
		}
		if taken {
			return nil, conflictErr(ReasonDuplicateSerial, "serial %q is already used", req.SerialNumber)
		}

		id, err := tx.NextBatchID()
		if err != nil {
			return nil, err
		}
		batch = &store.CreditBatch{
			ID:           id,
			RecordID:     req.RecordID,
			ProjectID:    record.ProjectID,
			TotalAmount:  req.Amount,
			IssuedAt:     s.timestamp(),
			VintageYear:  req.VintageYear,
			Methodology:  req.Methodology,
			SerialNumber: req.SerialNumber,
			Issuer:       caller,
			Recipient:    req.Recipient,
		}
		if err := tx.InsertBatch(batch); err != nil {
			return nil, err
		}
		if err := tx.AddBalance(req.Recipient, id, req.Amount); err != nil {
			return nil, err
		}
		return []events.Event{
			events.New(events.BatchCreated, string(caller), record.ProjectID, map[string]any{
				"batch_id":      id,
				"record_id":     req.RecordID,
				"serial_number": req.SerialNumber,
				"vintage_year":  req.VintageYear,
				"methodology":   req.Methodology,
			}),
			events.New(events.CreditsIssued, string(caller), record.ProjectID, map[string]any{
				"batch_id":  id,
				"recipient": string(req.Recipient),
				"amount":    req.Amount,
			}),
		}, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.CreditsIssued(batch.TotalAmount)
	s.logger.Info("Credits issued",
		zap.Uint64("batch_id", batch.ID),
		zap.String("project_id", batch.ProjectID),
		zap.String("recipient", string(batch.Recipient)),
		zap.Int64("amount", batch.TotalAmount))
	return batch, nil
}

// allocate plans how amount is drawn from holder's balances. With a batch id
// only that batch is used; otherwise batches are drained oldest first.
func allocate(tx store.ReadTx, holder store.Identity, amount int64, batchID *uint64) ([]Allocation, error) {
	if batchID != nil {
		batch, err := tx.GetBatch(*batchID)
		if err != nil {
			return nil, err
		}
		balance, err := tx.Balance(holder, batch.ID)
		if err != nil {
			return nil, err
		}
		if balance < amount {
			return nil, validationErr(ReasonInsufficientBalance, "batch %d balance %d is less than %d", batch.ID, balance, amount)
		}
		return []Allocation{{BatchID: batch.ID, ProjectID: batch.ProjectID, Amount: amount}}, nil
	}

	holdings, err := tx.Holdings(holder)
	if err != nil {
		return nil, err
	}
	var plan []Allocation
	remaining := amount
	for _, h := range holdings {
		if remaining == 0 {
			break
		}
		take := h.Amount
		if take > remaining {
			take = remaining
		}
		plan = append(plan, Allocation{BatchID: h.BatchID, ProjectID: h.ProjectID, Amount: take})
		remaining -= take
	}
	if remaining > 0 {
		return nil, validationErr(ReasonInsufficientBalance, "balance %d is less than %d", amount-remaining, amount)
	}
	return plan, nil
}

// Transfer moves units from the caller's own holdings to req.To, preserving
// the batch of every unit moved.
func (s *Service) Transfer(ctx context.Context, caller store.Identity, req TransferRequest) (*TransferReceipt, error) {
	var receipt *TransferReceipt
	err := s.mutate(ctx, "transfer", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var evts []events.Event
		var err error
		receipt, evts, err = transfer(tx, caller, req)
		return evts, err
	})
	if err != nil {
		return nil, err
	}
	s.logTransfer(receipt)
	return receipt, nil
}

// BatchTransfer applies several transfers from the caller atomically: either
// every transfer commits or none does.
func (s *Service) BatchTransfer(ctx context.Context, caller store.Identity, reqs []TransferRequest) ([]*TransferReceipt, error) {
	var receipts []*TransferReceipt
	err := s.mutate(ctx, "batch_transfer", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			return nil, validationErr(ReasonEmptyBatch, "at least one transfer is required")
		}
		receipts = make([]*TransferReceipt, 0, len(reqs))
		var all []events.Event
		for i, req := range reqs {
			receipt, evts, err := transfer(tx, caller, req)
			if err != nil {
				return nil, itemErr(i, err)
			}
			receipts = append(receipts, receipt)
			all = append(all, evts...)
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range receipts {
		s.logTransfer(r)
	}
	return receipts, nil
}

func transfer(tx store.Tx, caller store.Identity, req TransferRequest) (*TransferReceipt, []events.Event, error) {
	if req.Amount <= 0 {
		return nil, nil, validationErr(ReasonInvalidAmount, "amount must be positive")
	}
	if strings.TrimSpace(string(req.To)) == "" {
		return nil, nil, validationErr(ReasonInvalidRecipient, "recipient is required")
	}
	if req.To == caller {
		return nil, nil, validationErr(ReasonSelfTransfer, "cannot transfer to self")
	}

	plan, err := allocate(tx, caller, req.Amount, req.BatchID)
	if err != nil {
		return nil, nil, err
	}
	evts := make([]events.Event, 0, len(plan))
	for _, a := range plan {
		if err := tx.AddBalance(caller, a.BatchID, -a.Amount); err != nil {
			return nil, nil, err
		}
		if err := tx.AddBalance(req.To, a.BatchID, a.Amount); err != nil {
			return nil, nil, err
		}
		evts = append(evts, events.New(events.CreditsTransferred, string(caller), a.ProjectID, map[string]any{
			"batch_id": a.BatchID,
			"from":     string(caller),
			"to":       string(req.To),
			"amount":   a.Amount,
		}))
	}
	return &TransferReceipt{From: caller, To: req.To, Amount: req.Amount, Allocations: plan}, evts, nil
}

func (s *Service) logTransfer(r *TransferReceipt) {
	s.logger.Info("Credits transferred",
		zap.String("from", string(r.From)),
		zap.String("to", string(r.To)),
		zap.Int64("amount", r.Amount),
		zap.Int("batches", len(r.Allocations)))
}

// RetireCredits permanently retires units from the caller's own holdings.
// Retired units are never credited again.
func (s *Service) RetireCredits(ctx context.Context, caller store.Identity, req RetireRequest) (*store.Retirement, error) {
	var retirement *store.Retirement
	err := s.mutate(ctx, "retire_credits", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		var evts []events.Event
		var err error
		retirement, evts, err = s.retire(tx, caller, req)
		return evts, err
	})
	if err != nil {
		return nil, err
	}
	s.recordRetirement(retirement)
	return retirement, nil
}

// BatchRetire applies several retirements for the caller atomically.
func (s *Service) BatchRetire(ctx context.Context, caller store.Identity, reqs []RetireRequest) ([]*store.Retirement, error) {
	var retirements []*store.Retirement
	err := s.mutate(ctx, "batch_retire", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		if len(reqs) == 0 {
			return nil, validationErr(ReasonEmptyBatch, "at least one retirement is required")
		}
		retirements = make([]*store.Retirement, 0, len(reqs))
		var all []events.Event
		for i, req := range reqs {
			retirement, evts, err := s.retire(tx, caller, req)
			if err != nil {
				return nil, itemErr(i, err)
			}
			retirements = append(retirements, retirement)
			all = append(all, evts...)
		}
		return all, nil
	})
	if err != nil {
		return nil, err
	}
	for _, r := range retirements {
		s.recordRetirement(r)
	}
	return retirements, nil
}

func (s *Service) retire(tx store.Tx, caller store.Identity, req RetireRequest) (*store.Retirement, []events.Event, error) {
	if req.Amount <= 0 {
		return nil, nil, validationErr(ReasonInvalidAmount, "amount must be positive")
	}
	if strings.TrimSpace(req.Reason) == "" {
		return nil, nil, validationErr(ReasonEmptyReason, "retirement reason is required")
	}

	plan, err := allocate(tx, caller, req.Amount, req.BatchID)
	if err != nil {
		return nil, nil, err
	}

	retirement := &store.Retirement{
		ID:          uuid.New(),
		Holder:      caller,
		Amount:      req.Amount,
		Reason:      req.Reason,
		Beneficiary: req.Beneficiary,
		RetiredAt:   s.timestamp(),
	}
	evts := make([]events.Event, 0, len(plan))
	for _, a := range plan {
		if err := tx.AddBalance(caller, a.BatchID, -a.Amount); err != nil {
			return nil, nil, err
		}
		batch, err := tx.GetBatch(a.BatchID)
		if err != nil {
			return nil, nil, err
		}
		batch.Retired += a.Amount
		if batch.Retired > batch.TotalAmount {
			return nil, nil, fmt.Errorf("batch %d retired %d exceeds issued %d", batch.ID, batch.Retired, batch.TotalAmount)
		}
		batch.FullyRetired = batch.Retired == batch.TotalAmount
		if err := tx.UpdateBatch(batch); err != nil {
			return nil, nil, err
		}
		retirement.Allocations = append(retirement.Allocations, store.RetirementAllocation{
			RetirementID: retirement.ID,
			BatchID:      a.BatchID,
			ProjectID:    a.ProjectID,
			Amount:       a.Amount,
		})
		evts = append(evts, events.New(events.CreditsRetired, string(caller), a.ProjectID, map[string]any{
			"retirement_id": retirement.ID.String(),
			"batch_id":      a.BatchID,
			"amount":        a.Amount,
			"reason":        req.Reason,
			"fully_retired": batch.FullyRetired,
		}))
	}
	if err := tx.InsertRetirement(retirement); err != nil {
		return nil, nil, err
	}
	return retirement, evts, nil
}

func (s *Service) recordRetirement(r *store.Retirement) {
	s.metrics.CreditsRetired(r.Amount)
	s.logger.Info("Credits retired",
		zap.String("retirement_id", r.ID.String()),
		zap.String("holder", string(r.Holder)),
		zap.Int64("amount", r.Amount),
		zap.String("reason", r.Reason))
}

// itemErr prefixes a batch item's failure with its index and keeps the kind.
func itemErr(i int, err error) error {
	var typed *Error
	if errors.As(err, &typed) {
		return &Error{Kind: typed.Kind, Reason: typed.Reason, Message: fmt.Sprintf("item %d: %s", i, typed.Message)}
	}
	return fmt.Errorf("item %d: %w", i, err)
}

// BalanceOf returns holder's balance summed across batches.
func (s *Service) BalanceOf(ctx context.Context, holder store.Identity) (int64, error) {
	var total int64
	err := s.read(ctx, "balance_of", func(tx store.ReadTx) error {
		holdings, err := tx.Holdings(holder)
		if err != nil {
			return err
		}
		for _, h := range holdings {
			total += h.Amount
		}
		return nil
	})
	return total, err
}

// BatchBalance returns holder's balance of one batch.
func (s *Service) BatchBalance(ctx context.Context, holder store.Identity, batchID uint64) (int64, error) {
	var balance int64
	err := s.read(ctx, "batch_balance", func(tx store.ReadTx) error {
		if _, err := tx.GetBatch(batchID); err != nil {
			return err
		}
		var err error
		balance, err = tx.Balance(holder, batchID)
		return err
	})
	return balance, err
}

// Portfolio returns holder's per-batch holdings with vintage and project totals.
func (s *Service) Portfolio(ctx context.Context, holder store.Identity) (*Portfolio, error) {
	p := &Portfolio{
		Holder:    holder,
		Holdings:  []store.Holding{},
		ByVintage: map[int]int64{},
		ByProject: map[string]int64{},
	}
	err := s.read(ctx, "portfolio", func(tx store.ReadTx) error {
		holdings, err := tx.Holdings(holder)
		if err != nil {
			return err
		}
		for _, h := range holdings {
			p.Holdings = append(p.Holdings, h)
			p.TotalBalance += h.Amount
			p.ByVintage[h.VintageYear] += h.Amount
			p.ByProject[h.ProjectID] += h.Amount
		}
		p.TotalRetired, err = tx.RetiredBy(holder)
		return err
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Holdings returns holder's non-zero per-batch balances, optionally limited
// to one vintage year.
func (s *Service) Holdings(ctx context.Context, holder store.Identity, vintage *int) ([]store.Holding, error) {
	out := []store.Holding{}
	err := s.read(ctx, "holdings", func(tx store.ReadTx) error {
		holdings, err := tx.Holdings(holder)
		if err != nil {
			return err
		}
		for _, h := range holdings {
			if vintage == nil || h.VintageYear == *vintage {
				out = append(out, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// HolderBatches lists the batches in which holder has a non-zero balance.
func (s *Service) HolderBatches(ctx context.Context, holder store.Identity) ([]*store.CreditBatch, error) {
	var batches []*store.CreditBatch
	err := s.read(ctx, "holder_batches", func(tx store.ReadTx) error {
		var err error
		batches, err = tx.ListBatchesByHolder(holder)
		return err
	})
	return batches, err
}

// BatchesByVintage lists every batch of a vintage year in issuance order.
func (s *Service) BatchesByVintage(ctx context.Context, year int) ([]*store.CreditBatch, error) {
	if year <= 0 {
		return nil, validationErr(ReasonInvalidInput, "vintage year must be positive")
	}
	var batches []*store.CreditBatch
	err := s.read(ctx, "batches_by_vintage", func(tx store.ReadTx) error {
		var err error
		batches, err = tx.ListBatchesByVintage(year)
		return err
	})
	return batches, err
}

// GetBatch returns a batch by id.
func (s *Service) GetBatch(ctx context.Context, batchID uint64) (*store.CreditBatch, error) {
	var batch *store.CreditBatch
	err := s.read(ctx, "get_batch", func(tx store.ReadTx) error {
		var err error
		batch, err = tx.GetBatch(batchID)
		return err
	})
	return batch, err
}

// ListProjectBatches lists the batches issued against a project.
func (s *Service) ListProjectBatches(ctx context.Context, projectID string) ([]*store.CreditBatch, error) {
	var batches []*store.CreditBatch
	err := s.read(ctx, "list_project_batches", func(tx store.ReadTx) error {
		if _, err := tx.GetProject(projectID); err != nil {
			return err
		}
		var err error
		batches, err = tx.ListBatchesByProject(projectID)
		return err
	})
	return batches, err
}

// GetRetirement returns a retirement receipt.
func (s *Service) GetRetirement(ctx context.Context, id uuid.UUID) (*store.Retirement, error) {
	var retirement *store.Retirement
	err := s.read(ctx, "get_retirement", func(tx store.ReadTx) error {
		var err error
		retirement, err = tx.GetRetirement(id)
		return err
	})
	return retirement, err
}

// ListRetirements lists holder's retirements in order.
func (s *Service) ListRetirements(ctx context.Context, holder store.Identity) ([]*store.Retirement, error) {
	var retirements []*store.Retirement
	err := s.read(ctx, "list_retirements", func(tx store.ReadTx) error {
		var err error
		retirements, err = tx.ListRetirements(holder)
		return err
	})
	return retirements, err
}

// GetProjectStats returns the issuance totals of a project.
func (s *Service) GetProjectStats(ctx context.Context, projectID string) (*aggregation.CreditStats, error) {
	stats, err := s.stats.CreditStats(ctx, projectID)
	if err != nil {
		return nil, s.translate("get_project_stats", err)
	}
	return stats, nil
}

// Supply returns the registry-wide totals.
func (s *Service) Supply(ctx context.Context) (store.Supply, error) {
	var supply store.Supply
	err := s.read(ctx, "supply", func(tx store.ReadTx) error {
		var err error
		supply, err = tx.Supply()
		return err
	})
	return supply, err
}

// CheckConservation verifies that every issued unit is either held or retired.
func (s *Service) CheckConservation(ctx context.Context) error {
	supply, err := s.Supply(ctx)
	if err != nil {
		return err
	}
	if supply.TotalIssued != supply.TotalOutstanding+supply.TotalRetired {
		return fmt.Errorf("%w: issued=%d outstanding=%d retired=%d",
			aggregation.ErrConservation, supply.TotalIssued, supply.TotalOutstanding, supply.TotalRetired)
	}
	return nil
}
