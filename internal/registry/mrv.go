package registry

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"carbon-scribe/mrv-registry/internal/aggregation"
	"carbon-scribe/mrv-registry/internal/events"
	"carbon-scribe/mrv-registry/internal/store"
	"carbon-scribe/mrv-registry/pkg/geospatial"
)

// MaxScore is the upper bound of health and confidence scores (basis points).
const MaxScore = 10000

// SubmitMRVRequest carries one measurement submission.
type SubmitMRVRequest struct {
	ProjectID         string              `json:"project_id"`
	Ecosystem         store.EcosystemType `json:"ecosystem"`
	Latitude          int64               `json:"latitude"`
	Longitude         int64               `json:"longitude"`
	Area              int64               `json:"area"`
	HealthScore       uint32              `json:"health_score"`
	CarbonStock       int64               `json:"carbon_stock"`
	SequestrationRate int64               `json:"sequestration_rate"`
	DataHash          string              `json:"data_hash"`
	ImageHash         string              `json:"image_hash"`
	ConfidenceScore   uint32              `json:"confidence_score"`
	UncertaintyRange  int64               `json:"uncertainty_range"`
}

// Validate checks the submission fields that do not depend on stored state.
func (r SubmitMRVRequest) Validate() error {
	if !r.Ecosystem.Valid() {
		return validationErr(ReasonInvalidInput, "unknown ecosystem %q", r.Ecosystem)
	}
	if err := geospatial.ValidateCoordinates(r.Latitude, r.Longitude); err != nil {
		return validationErr(ReasonInvalidInput, "%s", err.Error())
	}
	if r.Area <= 0 {
		return validationErr(ReasonInvalidInput, "area must be positive")
	}
	if r.HealthScore > MaxScore {
		return validationErr(ReasonInvalidInput, "health score %d exceeds %d", r.HealthScore, MaxScore)
	}
	if r.ConfidenceScore > MaxScore {
		return validationErr(ReasonInvalidInput, "confidence score %d exceeds %d", r.ConfidenceScore, MaxScore)
	}
	if r.CarbonStock < 0 || r.SequestrationRate < 0 || r.UncertaintyRange < 0 {
		return validationErr(ReasonInvalidInput, "carbon stock, sequestration rate and uncertainty must not be negative")
	}
	if strings.TrimSpace(r.DataHash) == "" {
		return validationErr(ReasonInvalidInput, "data hash is required")
	}
	return nil
}

// SubmitMRVData stores a new Pending record under an active project.
func (s *Service) SubmitMRVData(ctx context.Context, caller store.Identity, req SubmitMRVRequest) (*store.MRVRecord, error) {
	var record *store.MRVRecord
	err := s.mutate(ctx, "submit_mrv_data", func(tx store.Tx) ([]events.Event, error) {
		if err := checkNotPaused(tx); err != nil {
			return nil, err
		}
		if err := requireCaller(caller); err != nil {
			return nil, err
		}
		project, err := tx.GetProject(req.ProjectID)
		if err != nil {
			return nil, err
		}
		if !project.Active {
			return nil, validationErr(ReasonProjectInactive, "project %q is not active", req.ProjectID)
		}
		if err := req.Validate(); err != nil {
			return nil, err
		}

		id, err := tx.NextRecordID()
		if err != nil {
			return nil, err
		}
		record = &store.MRVRecord{
			ID:                id,
			Submitter:         caller,
			ProjectID:         req.ProjectID,
			Ecosystem:         req.Ecosystem,
			Latitude:          req.Latitude,
			Longitude:         req.Longitude,
			Area:              req.Area,
			HealthScore:       req.HealthScore,
			CarbonStock:       req.CarbonStock,
			SequestrationRate: req.SequestrationRate,
			DataHash:          req.DataHash,
			ImageHash:         req.ImageHash,
			ConfidenceScore:   req.ConfidenceScore,
			UncertaintyRange:  req.UncertaintyRange,
			CreatedAt:         s.timestamp(),
			Status:            store.StatusPending,
		}
		if err := tx.InsertRecord(record); err != nil {
			return nil, err
		}
		return []events.Event{events.New(events.MRVDataSubmitted, string(caller), req.ProjectID, map[string]any{
			"record_id": id,
			"ecosystem": string(req.Ecosystem),
			"data_hash": req.DataHash,
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("MRV data submitted",
		zap.Uint64("record_id", record.ID),
		zap.String("project_id", record.ProjectID),
		zap.String("submitter", string(caller)))
	return record, nil
}

// VerifyMRVData moves a record to newStatus. Only Verifiers may verify; Admin
// alone is not sufficient.
func (s *Service) VerifyMRVData(ctx context.Context, caller store.Identity, recordID uint64, newStatus store.RecordStatus, notes string) (*store.MRVRecord, error) {
	var record *store.MRVRecord
	err := s.mutate(ctx, "verify_mrv_data", func(tx store.Tx) ([]events.Event, error) {
		if err := guard(tx, store.RoleVerifier, caller); err != nil {
			return nil, err
		}
		current, err := tx.GetRecord(recordID)
		if err != nil {
			return nil, err
		}
		from := current.Status
		if s.machine.IsTerminal(string(from)) {
			return nil, invalidTransitionErr("record %d is already %s", recordID, from)
		}
		if !s.machine.IsKnown(string(newStatus)) || !s.machine.IsTarget(string(newStatus)) {
			return nil, validationErr(ReasonInvalidStatus, "%q is not a verification outcome", newStatus)
		}
		if !s.machine.CanTransition(string(from), string(newStatus)) {
			return nil, invalidTransitionErr("record %d cannot move from %s to %s (allowed: %s)",
				recordID, from, newStatus, strings.Join(s.machine.GetAllowedTransitions(string(from)), ", "))
		}

		now := s.timestamp()
		verifier := caller
		current.Status = newStatus
		current.Verifier = &verifier
		current.VerifiedAt = &now
		current.Notes = notes
		if err := tx.UpdateRecord(current); err != nil {
			return nil, err
		}
		record = current
		return []events.Event{events.New(events.MRVDataVerified, string(caller), current.ProjectID, map[string]any{
			"record_id": recordID,
			"from":      string(from),
			"status":    string(newStatus),
		})}, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("MRV record verified",
		zap.Uint64("record_id", recordID),
		zap.String("status", string(newStatus)),
		zap.String("verifier", string(caller)))
	return record, nil
}

// GetRecord returns a record by id.
func (s *Service) GetRecord(ctx context.Context, recordID uint64) (*store.MRVRecord, error) {
	var record *store.MRVRecord
	err := s.read(ctx, "get_record", func(tx store.ReadTx) error {
		var err error
		record, err = tx.GetRecord(recordID)
		return err
	})
	return record, err
}

// ListProjectRecords lists a project's records in submission order.
func (s *Service) ListProjectRecords(ctx context.Context, projectID string) ([]*store.MRVRecord, error) {
	var records []*store.MRVRecord
	err := s.read(ctx, "list_project_records", func(tx store.ReadTx) error {
		var err error
		records, err = tx.ListRecordsByProject(projectID)
		return err
	})
	return records, err
}

// DocumentVerification reports which records reference a data hash.
type DocumentVerification struct {
	DataHash string             `json:"data_hash"`
	Verified bool               `json:"verified"`
	Records  []*store.MRVRecord `json:"records"`
}

// VerifyDocumentHash looks up the records submitted with dataHash. Verified is
// true when at least one of them is currently Verified.
func (s *Service) VerifyDocumentHash(ctx context.Context, dataHash string) (*DocumentVerification, error) {
	if strings.TrimSpace(dataHash) == "" {
		return nil, validationErr(ReasonInvalidInput, "data hash is required")
	}
	out := &DocumentVerification{DataHash: dataHash, Records: []*store.MRVRecord{}}
	err := s.read(ctx, "verify_document_hash", func(tx store.ReadTx) error {
		records, err := tx.ListRecordsByDataHash(dataHash)
		if err != nil {
			return err
		}
		for _, r := range records {
			out.Records = append(out.Records, r)
			if r.Status == store.StatusVerified {
				out.Verified = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProjectCarbonStats sums carbon stock, sequestration rate and area over
// the project's currently Verified records.
func (s *Service) GetProjectCarbonStats(ctx context.Context, projectID string) (*aggregation.CarbonStats, error) {
	stats, err := s.stats.CarbonStats(ctx, projectID)
	if err != nil {
		return nil, s.translate("get_project_carbon_stats", err)
	}
	return stats, nil
}
