package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError carries a stable code of the form operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew    = "notes.service.new"
	opLoad          = "notes.load"
	opSaveAndReload = "notes.save_and_reload"

	columnID              = "id"
	columnNote            = "note"
	columnLastUpdatedTime = "last_updated_time"
	columnUpdatedBy       = "updated_by"
	queryID               = columnID + " = ?"

	reasonMissingDatabase = "missing_database"
	reasonInvalidInput    = "invalid_input"
	reasonSelectFailed    = "select_failed"
	reasonWriteFailed     = "write_failed"
	reasonReadBackFailed  = "read_back_failed"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service reads and writes wiki notes. Every call opens its own transaction
// and nothing is cached between calls.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
	}, nil
}

// Load reads the committed document. A document that was never written
// yields an empty snapshot.
func (s *Service) Load(ctx context.Context, documentID DocumentID) (Snapshot, error) {
	if s.db == nil {
		s.logError(opLoad, reasonMissingDatabase, errMissingDatabase)
		return Snapshot{}, newServiceError(opLoad, reasonMissingDatabase, errMissingDatabase)
	}

	var snapshot Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row WikiNote
		err := tx.Where(queryID, documentID.String()).Take(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			snapshot = Snapshot{DocumentID: documentID}
			return nil
		}
		if err != nil {
			s.logError(opLoad, reasonSelectFailed, err, zap.String("document_id", documentID.String()))
			return newServiceError(opLoad, reasonSelectFailed, err)
		}
		snapshot = snapshotOf(row)
		return nil
	})
	if txErr != nil {
		return Snapshot{}, txErr
	}
	return snapshot, nil
}

// SaveAndReload writes content inside a transaction and returns the row as
// read back before commit. Any failure rolls the transaction back.
func (s *Service) SaveAndReload(ctx context.Context, documentID DocumentID, content string, updatedBy string) (Snapshot, error) {
	if s.db == nil {
		s.logError(opSaveAndReload, reasonMissingDatabase, errMissingDatabase)
		return Snapshot{}, newServiceError(opSaveAndReload, reasonMissingDatabase, errMissingDatabase)
	}
	author := strings.TrimSpace(updatedBy)
	if author == "" {
		return Snapshot{}, newServiceError(opSaveAndReload, reasonInvalidInput, ErrInvalidAuthor)
	}

	row := WikiNote{
		ID:              documentID.String(),
		Note:            content,
		LastUpdatedTime: s.clock().Format(TimestampLayout),
		UpdatedBy:       author,
	}

	var snapshot Snapshot
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: columnID}},
			DoUpdates: clause.AssignmentColumns([]string{columnNote, columnLastUpdatedTime, columnUpdatedBy}),
		}).Create(&row).Error
		if err != nil {
			s.logError(opSaveAndReload, reasonWriteFailed, err, zap.String("document_id", documentID.String()))
			return newServiceError(opSaveAndReload, reasonWriteFailed, err)
		}

		var stored WikiNote
		if err := tx.Where(queryID, documentID.String()).Take(&stored).Error; err != nil {
			s.logError(opSaveAndReload, reasonReadBackFailed, err, zap.String("document_id", documentID.String()))
			return newServiceError(opSaveAndReload, reasonReadBackFailed, err)
		}
		snapshot = snapshotOf(stored)
		return nil
	})
	if txErr != nil {
		return Snapshot{}, txErr
	}
	return snapshot, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("notes service error", attrs...)
}
