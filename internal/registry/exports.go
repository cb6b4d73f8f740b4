package registry

import (
	"context"

	"github.com/google/uuid"

	"carbon-scribe/mrv-registry/internal/export"
	"carbon-scribe/mrv-registry/internal/store"
)

// ProjectLedger collects a project's records, batches and statistics for export.
func (s *Service) ProjectLedger(ctx context.Context, projectID string) (*export.ProjectLedger, error) {
	ledger := &export.ProjectLedger{}
	err := s.read(ctx, "project_ledger", func(tx store.ReadTx) error {
		var err error
		if ledger.Project, err = tx.GetProject(projectID); err != nil {
			return err
		}
		if ledger.Records, err = tx.ListRecordsByProject(projectID); err != nil {
			return err
		}
		ledger.Batches, err = tx.ListBatchesByProject(projectID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if ledger.Carbon, err = s.GetProjectCarbonStats(ctx, projectID); err != nil {
		return nil, err
	}
	if ledger.Credits, err = s.GetProjectStats(ctx, projectID); err != nil {
		return nil, err
	}
	return ledger, nil
}

// RetirementCertificate loads a retirement with every batch it drew from.
func (s *Service) RetirementCertificate(ctx context.Context, id uuid.UUID) (*export.Certificate, error) {
	cert := &export.Certificate{Batches: map[uint64]*store.CreditBatch{}}
	err := s.read(ctx, "retirement_certificate", func(tx store.ReadTx) error {
		var err error
		if cert.Retirement, err = tx.GetRetirement(id); err != nil {
			return err
		}
		for _, a := range cert.Retirement.Allocations {
			batch, err := tx.GetBatch(a.BatchID)
			if err != nil {
				return err
			}
			cert.Batches[batch.ID] = batch
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return cert, nil
}
