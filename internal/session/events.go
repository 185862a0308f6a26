package session

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"github.com/go-playground/validator/v10"
)

// Inbound actions.
const (
	EventEnterNote  = "enter_note"
	EventEditStart  = "edit_start"
	EventEditEnd    = "edit_end"
	EventUpdateNote = "update_note"
)

// Outbound broadcasts and replies.
const (
	EventEnterNoteSuccess = "enter_note_success"
	EventDisplayUser      = "display_user"
	EventIsEditing        = "is_editing"
	EventIsNotEditing     = "is_not_editing"
	EventReceiveNote      = "receive_note"
	EventNoteContent      = "note_content"
	EventException        = "exception"
)

const enterNoteSuccessMessage = "Enter Room Success"

var (
	errInvalidDocumentRef = errors.New("document id must be a string or a number")
	payloadValidator      = validator.New(validator.WithRequiredStructEnabled())
)

// DocumentRef is a document id as sent by clients, either a JSON string or a JSON number.
type DocumentRef string

func (r *DocumentRef) UnmarshalJSON(raw []byte) error {
	trimmed := bytes.TrimSpace(raw)
	if bytes.Equal(trimmed, []byte("null")) {
		*r = ""
		return nil
	}
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var value string
		if err := json.Unmarshal(trimmed, &value); err != nil {
			return err
		}
		*r = DocumentRef(value)
		return nil
	}
	var number json.Number
	if err := json.Unmarshal(trimmed, &number); err != nil {
		return errInvalidDocumentRef
	}
	*r = DocumentRef(number.String())
	return nil
}

// NotePayload is the body of enter_note, edit_start and edit_end.
type NotePayload struct {
	ID DocumentRef `json:"id" validate:"required"`
}

// UpdateNotePayload is the body of update_note. An empty note_content clears the document.
type UpdateNotePayload struct {
	ID          DocumentRef `json:"id" validate:"required"`
	NoteContent *string     `json:"note_content" validate:"required"`
}

// RoomState is broadcast by display_user, is_editing, is_not_editing and receive_note.
type RoomState struct {
	Members []rooms.Member `json:"members"`
	Editors []rooms.Member `json:"editors"`
}

// EnterNoteSuccess acknowledges a join to the room.
type EnterNoteSuccess struct {
	Message string `json:"message"`
}

// NoteContent carries the committed document.
type NoteContent struct {
	Content         string `json:"content"`
	LastUpdatedTime string `json:"last_updated_time"`
	UpdatedBy       string `json:"updated_by"`
}

func newRoomState(members, editors []rooms.Member) RoomState {
	if members == nil {
		members = []rooms.Member{}
	}
	if editors == nil {
		editors = []rooms.Member{}
	}
	return RoomState{Members: members, Editors: editors}
}

func newNoteContent(snapshot notes.Snapshot) NoteContent {
	return NoteContent{
		Content:         snapshot.Content,
		LastUpdatedTime: snapshot.LastUpdatedTime,
		UpdatedBy:       snapshot.UpdatedBy,
	}
}

// decodePayload unmarshals and validates an inbound payload. A missing body decodes as an empty object.
func decodePayload(operation string, data json.RawMessage, target any) error {
	if len(bytes.TrimSpace(data)) == 0 {
		data = json.RawMessage("{}")
	}
	if err := json.Unmarshal(data, target); err != nil {
		return newError(KindValidation, operation, reasonInvalidPayload, err)
	}
	if err := payloadValidator.Struct(target); err != nil {
		return newError(KindValidation, operation, reasonInvalidPayload, err)
	}
	return nil
}
