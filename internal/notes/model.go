package notes

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190

	// TimestampLayout is the stored format of last_updated_time, in server local time.
	TimestampLayout = "2006-01-02 15:04:05"
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("notes: invalid document id")
	// ErrInvalidAuthor indicates that a write carries no author code.
	ErrInvalidAuthor = errors.New("notes: invalid author code")
)

// DocumentID represents a validated wiki note identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// WikiNote is the persisted row of a shared document.
type WikiNote struct {
	ID              string `gorm:"column:id;primaryKey;size:190;not null"`
	Note            string `gorm:"column:note;type:text;not null;default:''"`
	LastUpdatedTime string `gorm:"column:last_updated_time;size:19;not null;default:''"`
	UpdatedBy       string `gorm:"column:updated_by;size:190;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (WikiNote) TableName() string {
	return "wiki_note"
}

// Snapshot is the committed state of a document as read back from storage.
type Snapshot struct {
	DocumentID      DocumentID
	Content         string
	LastUpdatedTime string
	UpdatedBy       string
}

func snapshotOf(row WikiNote) Snapshot {
	return Snapshot{
		DocumentID:      DocumentID(row.ID),
		Content:         row.Note,
		LastUpdatedTime: row.LastUpdatedTime,
		UpdatedBy:       row.UpdatedBy,
	}
}
