package database

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimWikiNoteIDs = "2026-02-03_trim_wiki_note_ids"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationTrimWikiNoteIDs, apply: trimWikiNoteIDs},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", migration.name, err)
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimWikiNoteIDs rewrites note ids stored with surrounding whitespace to the
// trimmed form lookups use. A row is left alone when its trimmed id is taken
// or blank; among rows that trim to the same id only the smallest moves.
func trimWikiNoteIDs(db *gorm.DB) error {
	const trimmed = "trim(%s, char(32, 9, 10, 13))"
	outer := fmt.Sprintf(trimmed, "wiki_note.id")
	inner := fmt.Sprintf(trimmed, "other.id")
	statement := "UPDATE wiki_note SET id = " + outer +
		" WHERE id <> " + outer +
		" AND " + outer + " <> ''" +
		" AND " + outer + " NOT IN (SELECT id FROM wiki_note)" +
		" AND id = (SELECT min(other.id) FROM wiki_note AS other WHERE " + inner + " = " + outer + ")"
	return db.Exec(statement).Error
}
