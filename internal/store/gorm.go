package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const systemStateID = 1

// GormConfig configures the Postgres-backed store.
type GormConfig struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	AutoMigrate  bool
}

// GormStore persists the registry in Postgres. Writers are serialized inside the
// process by a mutex and across processes by serializable isolation.
type GormStore struct {
	db     *gorm.DB
	writer sync.Mutex
	logger *zap.Logger
}

// OpenGormStore connects to Postgres and optionally migrates the schema.
func OpenGormStore(cfg GormConfig, logger *zap.Logger) (*GormStore, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get database handle: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}

	s := NewGormStore(db, logger)
	if cfg.AutoMigrate {
		if err := s.Migrate(context.Background()); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// NewGormStore wraps an existing gorm handle.
func NewGormStore(db *gorm.DB, logger *zap.Logger) *GormStore {
	return &GormStore{db: db, logger: logger}
}

// Migrate creates or updates the registry tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(
		&Project{},
		&MRVRecord{},
		&CreditBatch{},
		&AccountBalance{},
		&RoleGrant{},
		&Retirement{},
		&RetirementAllocation{},
		&SystemState{},
		&EventRecord{},
	); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	state := SystemState{ID: systemStateID}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&state).Error; err != nil {
		return fmt.Errorf("failed to seed system state: %w", err)
	}
	s.logger.Info("Registry schema migrated")
	return nil
}

// DB exposes the underlying handle for sinks sharing the connection.
func (s *GormStore) DB() *gorm.DB {
	return s.db
}

// Update implements Store. A serialization failure against another process
// is reported as ErrConcurrentWrite; the caller decides whether to retry.
func (s *GormStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.writer.Lock()
	defer s.writer.Unlock()

	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	}, &sql.TxOptions{Isolation: sql.LevelSerializable})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		s.logger.Warn("Serialization conflict", zap.String("code", pgErr.Code))
		return fmt.Errorf("%s: %w", pgErr.Message, ErrConcurrentWrite)
	}
	return err
}

// View implements Store.
func (s *GormStore) View(ctx context.Context, fn func(tx ReadTx) error) error {
	return s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		return fn(&gormTx{db: db})
	}, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

// Close implements Store.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormTx struct {
	db *gorm.DB
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func duplicate(err error, format string, args ...any) error {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return fmt.Errorf(format+": %w", append(args, ErrDuplicate)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// =====================================================
// Reads
// =====================================================

func (t *gormTx) Paused() (bool, error) {
	var state SystemState
	err := t.db.First(&state, systemStateID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read system state: %w", err)
	}
	return state.Paused, nil
}

func (t *gormTx) HasRole(role Role, who Identity) (bool, error) {
	var count int64
	err := t.db.Model(&RoleGrant{}).Where("role = ? AND identity = ?", role, who).Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("failed to check role: %w", err)
	}
	return count > 0, nil
}

func (t *gormTx) RoleMembers(role Role) ([]Identity, error) {
	var members []Identity
	err := t.db.Model(&RoleGrant{}).Where("role = ?", role).Order("identity").Pluck("identity", &members).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list role members: %w", err)
	}
	return members, nil
}

func (t *gormTx) GetProject(id string) (*Project, error) {
	var p Project
	if err := t.db.First(&p, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "project %q", id)
	}
	if err := t.loadRecordIDs(&p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (t *gormTx) loadRecordIDs(p *Project) error {
	var ids []uint64
	err := t.db.Model(&MRVRecord{}).Where("project_id = ?", p.ID).Order("id").Pluck("id", &ids).Error
	if err != nil {
		return fmt.Errorf("failed to list record ids: %w", err)
	}
	p.RecordIDs = ids
	return nil
}

func (t *gormTx) listProjects(query *gorm.DB) ([]*Project, error) {
	var projects []*Project
	if err := query.Order("created_at, id").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		if err := t.loadRecordIDs(p); err != nil {
			return nil, err
		}
	}
	return projects, nil
}

func (t *gormTx) ListProjects() ([]*Project, error) {
	return t.listProjects(t.db.Model(&Project{}))
}

func (t *gormTx) ListProjectsByOwner(owner Identity) ([]*Project, error) {
	return t.listProjects(t.db.Model(&Project{}).Where("owner = ?", owner))
}

func (t *gormTx) GetRecord(id uint64) (*MRVRecord, error) {
	var r MRVRecord
	if err := t.db.First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "record %d", id)
	}
	return &r, nil
}

func (t *gormTx) ListRecordsByProject(projectID string) ([]*MRVRecord, error) {
	var count int64
	if err := t.db.Model(&Project{}).Where("id = ?", projectID).Count(&count).Error; err != nil {
		return nil, fmt.Errorf("failed to check project: %w", err)
	}
	if count == 0 {
		return nil, fmt.Errorf("project %q: %w", projectID, ErrNotFound)
	}
	var records []*MRVRecord
	if err := t.db.Where("project_id = ?", projectID).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	return records, nil
}

func (t *gormTx) ListRecordsByDataHash(hash string) ([]*MRVRecord, error) {
	var records []*MRVRecord
	if err := t.db.Where("data_hash = ?", hash).Order("id").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("failed to find records by hash: %w", err)
	}
	return records, nil
}

func (t *gormTx) GetBatch(id uint64) (*CreditBatch, error) {
	var b CreditBatch
	if err := t.db.First(&b, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "batch %d", id)
	}
	return &b, nil
}

func (t *gormTx) BatchForRecord(recordID uint64) (*CreditBatch, error) {
	var b CreditBatch
	if err := t.db.First(&b, "record_id = ?", recordID).Error; err != nil {
		return nil, notFound(err, "batch for record %d", recordID)
	}
	return &b, nil
}

func (t *gormTx) SerialExists(serial string) (bool, error) {
	var count int64
	if err := t.db.Model(&CreditBatch{}).Where("serial_number = ?", serial).Count(&count).Error; err != nil {
		return false, fmt.Errorf("failed to check serial: %w", err)
	}
	return count > 0, nil
}

func (t *gormTx) ListBatchesByProject(projectID string) ([]*CreditBatch, error) {
	var batches []*CreditBatch
	if err := t.db.Where("project_id = ?", projectID).Order("id").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	return batches, nil
}

func (t *gormTx) ListBatchesByHolder(holder Identity) ([]*CreditBatch, error) {
	var batches []*CreditBatch
	err := t.db.
		Where("recipient = ? OR id IN (?)", holder,
			t.db.Model(&AccountBalance{}).Select("batch_id").Where("holder = ?", holder)).
		Order("id").Find(&batches).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list holder batches: %w", err)
	}
	return batches, nil
}

func (t *gormTx) ListBatchesByVintage(year int) ([]*CreditBatch, error) {
	var batches []*CreditBatch
	if err := t.db.Where("vintage_year = ?", year).Order("id").Find(&batches).Error; err != nil {
		return nil, fmt.Errorf("failed to list vintage batches: %w", err)
	}
	return batches, nil
}

func (t *gormTx) Balance(holder Identity, batchID uint64) (int64, error) {
	var bal AccountBalance
	err := t.db.First(&bal, "holder = ? AND batch_id = ?", holder, batchID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read balance: %w", err)
	}
	return bal.Amount, nil
}

func (t *gormTx) Holdings(holder Identity) ([]Holding, error) {
	var out []Holding
	err := t.db.Table("account_balances AS ab").
		Select("ab.batch_id, cb.project_id, cb.vintage_year, cb.methodology, ab.amount").
		Joins("JOIN credit_batches cb ON cb.id = ab.batch_id").
		Where("ab.holder = ? AND ab.amount > 0", holder).
		Order("ab.batch_id").
		Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	return out, nil
}

func (t *gormTx) RetiredBy(holder Identity) (int64, error) {
	var total int64
	err := t.db.Model(&Retirement{}).Where("holder = ?", holder).
		Select("COALESCE(SUM(amount), 0)").Scan(&total).Error
	if err != nil {
		return 0, fmt.Errorf("failed to sum retirements: %w", err)
	}
	return total, nil
}

func (t *gormTx) GetRetirement(id uuid.UUID) (*Retirement, error) {
	var r Retirement
	if err := t.db.Preload("Allocations").First(&r, "id = ?", id).Error; err != nil {
		return nil, notFound(err, "retirement %s", id)
	}
	return &r, nil
}

func (t *gormTx) ListRetirements(holder Identity) ([]*Retirement, error) {
	var out []*Retirement
	err := t.db.Preload("Allocations").Where("holder = ?", holder).Order("retired_at").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list retirements: %w", err)
	}
	return out, nil
}

func (t *gormTx) Supply() (Supply, error) {
	var s Supply
	var row struct {
		Issued  int64
		Retired int64
		Batches int64
	}
	err := t.db.Model(&CreditBatch{}).
		Select("COALESCE(SUM(total_amount), 0) AS issued, COALESCE(SUM(retired), 0) AS retired, COUNT(*) AS batches").
		Scan(&row).Error
	if err != nil {
		return s, fmt.Errorf("failed to sum batches: %w", err)
	}
	err = t.db.Model(&AccountBalance{}).Select("COALESCE(SUM(amount), 0)").Scan(&s.TotalOutstanding).Error
	if err != nil {
		return s, fmt.Errorf("failed to sum balances: %w", err)
	}
	s.TotalIssued = row.Issued
	s.TotalRetired = row.Retired
	s.BatchCount = int(row.Batches)
	return s, nil
}

// =====================================================
// Writes
// =====================================================

func (t *gormTx) SetPaused(paused bool) error {
	state := SystemState{ID: systemStateID, Paused: paused}
	err := t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"paused"}),
	}).Create(&state).Error
	if err != nil {
		return fmt.Errorf("failed to set paused: %w", err)
	}
	return nil
}

func (t *gormTx) GrantRole(grant RoleGrant) error {
	if err := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant).Error; err != nil {
		return fmt.Errorf("failed to grant role: %w", err)
	}
	return nil
}

func (t *gormTx) RevokeRole(role Role, who Identity) error {
	if err := t.db.Where("role = ? AND identity = ?", role, who).Delete(&RoleGrant{}).Error; err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

func (t *gormTx) InsertProject(p *Project) error {
	if err := t.db.Create(p).Error; err != nil {
		return duplicate(err, "project %q", p.ID)
	}
	return nil
}

func (t *gormTx) UpdateProject(p *Project) error {
	res := t.db.Model(&Project{}).Where("id = ?", p.ID).Updates(map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"active":      p.Active,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update project: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("project %q: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *gormTx) NextRecordID() (uint64, error) {
	var last uint64
	if err := t.db.Model(&MRVRecord{}).Select("COALESCE(MAX(id), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to read last record id: %w", err)
	}
	return last + 1, nil
}

func (t *gormTx) InsertRecord(r *MRVRecord) error {
	if err := t.db.Create(r).Error; err != nil {
		return duplicate(err, "record %d", r.ID)
	}
	return nil
}

func (t *gormTx) UpdateRecord(r *MRVRecord) error {
	res := t.db.Model(&MRVRecord{}).Where("id = ?", r.ID).Updates(map[string]any{
		"status":      r.Status,
		"verifier":    r.Verifier,
		"verified_at": r.VerifiedAt,
		"notes":       r.Notes,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update record: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("record %d: %w", r.ID, ErrNotFound)
	}
	return nil
}

func (t *gormTx) NextBatchID() (uint64, error) {
	var last uint64
	if err := t.db.Model(&CreditBatch{}).Select("COALESCE(MAX(id), 0)").Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("failed to read last batch id: %w", err)
	}
	return last + 1, nil
}

func (t *gormTx) InsertBatch(b *CreditBatch) error {
	if err := t.db.Create(b).Error; err != nil {
		return duplicate(err, "batch %d", b.ID)
	}
	return nil
}

func (t *gormTx) UpdateBatch(b *CreditBatch) error {
	res := t.db.Model(&CreditBatch{}).Where("id = ?", b.ID).Updates(map[string]any{
		"retired":       b.Retired,
		"fully_retired": b.FullyRetired,
	})
	if res.Error != nil {
		return fmt.Errorf("failed to update batch: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("batch %d: %w", b.ID, ErrNotFound)
	}
	return nil
}

func (t *gormTx) AddBalance(holder Identity, batchID uint64, delta int64) error {
	current, err := t.Balance(holder, batchID)
	if err != nil {
		return err
	}
	next, err := AddAmounts(current, delta)
	if err != nil {
		return fmt.Errorf("holder %q batch %d: %w", holder, batchID, err)
	}
	if next < 0 {
		return fmt.Errorf("holder %q batch %d: %w", holder, batchID, ErrNegativeBalance)
	}
	bal := AccountBalance{Holder: holder, BatchID: batchID, Amount: next}
	err = t.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "holder"}, {Name: "batch_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"amount"}),
	}).Create(&bal).Error
	if err != nil {
		return fmt.Errorf("failed to write balance: %w", err)
	}
	return nil
}

func (t *gormTx) InsertRetirement(r *Retirement) error {
	if err := t.db.Create(r).Error; err != nil {
		return duplicate(err, "retirement %s", r.ID)
	}
	return nil
}
