package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/threadflow/internal/database"
)

// checkpointRow is the persisted layout: one row per record keyed by
// (thread_id, checkpoint_id), with a composite index on (thread_id,
// created_at) backing list/latest/cleanup.
type checkpointRow struct {
	CheckpointID string    `gorm:"column:checkpoint_id;primaryKey;size:64"`
	ThreadID     string    `gorm:"column:thread_id;size:128;index:idx_thread_created,priority:1"`
	WorkflowID   string    `gorm:"column:workflow_id;size:128;index"`
	StateData    []byte    `gorm:"column:state_data"`
	Metadata     []byte    `gorm:"column:metadata"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_thread_created,priority:2"`
	UpdatedAt    time.Time `gorm:"column:updated_at"`
}

func (checkpointRow) TableName() string { return "checkpoints" }

// DatabaseStore is a durable backend over gorm. The sqlite dialector is the
// single-node default; postgres and mysql share the same row model and
// semantics. Read-then-write sequences run inside a transaction so cleanup
// and delete behave as one critical section per thread.
type DatabaseStore struct {
	db     *gorm.DB
	codec  *Codec
	logger *zap.Logger
}

// NewDatabaseStore opens the configured database, migrates the checkpoint
// table, and returns the store.
func NewDatabaseStore(cfg Config, codec *Codec, logger *zap.Logger) (*DatabaseStore, error) {
	db, err := database.Open(string(cfg.Backend), cfg.DSN, logger)
	if err != nil {
		return nil, err
	}
	return NewDatabaseStoreWithDB(db, codec, logger)
}

// NewDatabaseStoreWithDB wraps an existing gorm handle. Used by callers that
// manage their own connection pool.
func NewDatabaseStoreWithDB(db *gorm.DB, codec *Codec, logger *zap.Logger) (*DatabaseStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	if codec == nil {
		codec = NewCodec(false)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := db.AutoMigrate(&checkpointRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate checkpoint table: %w", err)
	}
	return &DatabaseStore{
		db:     db,
		codec:  codec,
		logger: logger.With(zap.String("store", "database")),
	}, nil
}

func (s *DatabaseStore) toRow(record *Record) (*checkpointRow, error) {
	state, err := s.codec.Encode(record.StateData)
	if err != nil {
		return nil, err
	}
	meta, err := s.codec.Encode(record.Metadata)
	if err != nil {
		return nil, err
	}
	return &checkpointRow{
		CheckpointID: record.ID,
		ThreadID:     record.ThreadID,
		WorkflowID:   record.WorkflowID,
		StateData:    state,
		Metadata:     meta,
		CreatedAt:    record.CreatedAt,
		UpdatedAt:    record.UpdatedAt,
	}, nil
}

func (s *DatabaseStore) fromRow(row *checkpointRow) (*Record, error) {
	rec := &Record{
		ID:         row.CheckpointID,
		ThreadID:   row.ThreadID,
		WorkflowID: row.WorkflowID,
		CreatedAt:  row.CreatedAt,
		UpdatedAt:  row.UpdatedAt,
	}
	if len(row.StateData) > 0 {
		if err := s.codec.Decode(row.StateData, &rec.StateData); err != nil {
			return nil, err
		}
	}
	if len(row.Metadata) > 0 {
		if err := s.codec.Decode(row.Metadata, &rec.Metadata); err != nil {
			return nil, err
		}
	}
	return rec, nil
}

// isDuplicateKey recognizes unique-constraint violations across dialects.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique") || strings.Contains(msg, "duplicate")
}

func (s *DatabaseStore) Save(ctx context.Context, record *Record) error {
	if record == nil || record.ID == "" || record.ThreadID == "" {
		return ErrInvalidInput
	}
	row, err := s.toRow(record)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Create(row).Error; err != nil {
		if isDuplicateKey(err) {
			return ErrAlreadyExists
		}
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

func (s *DatabaseStore) Load(ctx context.Context, threadID, checkpointID string) (*Record, error) {
	if checkpointID == "" {
		return s.LoadLatest(ctx, threadID)
	}
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ? AND checkpoint_id = ?", threadID, checkpointID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	return s.fromRow(&row)
}

func (s *DatabaseStore) LoadLatest(ctx context.Context, threadID string) (*Record, error) {
	var row checkpointRow
	err := s.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at DESC").Order("checkpoint_id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load latest checkpoint: %w", err)
	}
	return s.fromRow(&row)
}

func (s *DatabaseStore) listRows(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	query := s.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if workflowID != "" {
		query = query.Where("workflow_id = ?", workflowID)
	}
	var rows []checkpointRow
	if err := query.Order("created_at DESC").Order("checkpoint_id DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list checkpoints: %w", err)
	}
	out := make([]*Record, 0, len(rows))
	for i := range rows {
		rec, err := s.fromRow(&rows[i])
		if err != nil {
			s.logger.Warn("skipping undecodable checkpoint row",
				zap.String("checkpoint_id", rows[i].CheckpointID),
				zap.Error(err),
			)
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *DatabaseStore) ListByThread(ctx context.Context, threadID string) ([]*Record, error) {
	return s.listRows(ctx, threadID, "")
}

func (s *DatabaseStore) GetByWorkflow(ctx context.Context, threadID, workflowID string) ([]*Record, error) {
	return s.listRows(ctx, threadID, workflowID)
}

func (s *DatabaseStore) Delete(ctx context.Context, threadID, checkpointID string) error {
	query := s.db.WithContext(ctx).Where("thread_id = ?", threadID)
	if checkpointID != "" {
		query = query.Where("checkpoint_id = ?", checkpointID)
	}
	result := query.Delete(&checkpointRow{})
	if result.Error != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *DatabaseStore) CleanupOld(ctx context.Context, threadID string, maxCount int) ([]string, error) {
	if maxCount <= 0 {
		return nil, nil
	}
	var removed []string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&checkpointRow{}).
			Where("thread_id = ?", threadID).
			Order("created_at DESC").Order("checkpoint_id DESC").
			Offset(maxCount).
			Pluck("checkpoint_id", &ids).Error
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.Where("thread_id = ? AND checkpoint_id IN ?", threadID, ids).
			Delete(&checkpointRow{}).Error; err != nil {
			return err
		}
		removed = ids
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to cleanup checkpoints: %w", err)
	}
	if len(removed) > 0 {
		s.logger.Debug("cleaned up old checkpoints",
			zap.String("thread_id", threadID),
			zap.Int("removed", len(removed)),
		)
	}
	return removed, nil
}

func (s *DatabaseStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *DatabaseStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

var _ Store = (*DatabaseStore)(nil)
