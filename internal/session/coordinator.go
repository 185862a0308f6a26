package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/notes"
	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
	"go.uber.org/zap"
)

var (
	errMissingRooms       = errors.New("room registry is required")
	errMissingEditLocks   = errors.New("edit lock registry is required")
	errMissingDocuments   = errors.New("document store is required")
	errMissingBroadcaster = errors.New("broadcaster is required")
)

// Broadcaster delivers events to every connection joined to a room.
type Broadcaster interface {
	Join(roomKey, connectionID string)
	Leave(roomKey, connectionID string)
	Broadcast(roomKey, event string, payload any)
}

// DocumentStore is the persistence bridge used for note content.
type DocumentStore interface {
	Load(ctx context.Context, documentID notes.DocumentID) (notes.Snapshot, error)
	SaveAndReload(ctx context.Context, documentID notes.DocumentID, content string, updatedBy string) (notes.Snapshot, error)
}

// Caller identifies the connection an action arrived on.
type Caller struct {
	ConnectionID string
	Identity     rooms.Identity
}

type Config struct {
	Rooms       *rooms.Registry
	EditLocks   *rooms.EditLocks
	Documents   DocumentStore
	Broadcaster Broadcaster
	Logger      *zap.Logger
}

// Coordinator applies connection lifecycle events and client actions to the
// room and edit lock registries and broadcasts the resulting room state.
type Coordinator struct {
	rooms       *rooms.Registry
	editLocks   *rooms.EditLocks
	documents   DocumentStore
	broadcaster Broadcaster
	logger      *zap.Logger
}

func NewCoordinator(cfg Config) (*Coordinator, error) {
	switch {
	case cfg.Rooms == nil:
		return nil, newError(KindInternal, opNew, reasonMissingDependency, errMissingRooms)
	case cfg.EditLocks == nil:
		return nil, newError(KindInternal, opNew, reasonMissingDependency, errMissingEditLocks)
	case cfg.Documents == nil:
		return nil, newError(KindInternal, opNew, reasonMissingDependency, errMissingDocuments)
	case cfg.Broadcaster == nil:
		return nil, newError(KindInternal, opNew, reasonMissingDependency, errMissingBroadcaster)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Coordinator{
		rooms:       cfg.Rooms,
		editLocks:   cfg.EditLocks,
		documents:   cfg.Documents,
		broadcaster: cfg.Broadcaster,
		logger:      logger,
	}, nil
}

// Dispatch decodes an inbound action and runs it. Panics raised by a handler
// are converted into internal errors.
func (c *Coordinator) Dispatch(ctx context.Context, caller Caller, event string, data json.RawMessage) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			c.logger.Error("session handler panic",
				zap.String("event", event),
				zap.String("connection_id", caller.ConnectionID),
				zap.Any("panic", recovered))
			err = newError(KindInternal, opDispatch, reasonPanic, fmt.Errorf("%v", recovered))
		}
	}()

	switch event {
	case EventEnterNote:
		var payload NotePayload
		if err := decodePayload(opEnterNote, data, &payload); err != nil {
			return err
		}
		return c.EnterNote(ctx, caller, payload)
	case EventEditStart:
		var payload NotePayload
		if err := decodePayload(opEditStart, data, &payload); err != nil {
			return err
		}
		return c.EditStart(ctx, caller, payload)
	case EventEditEnd:
		var payload NotePayload
		if err := decodePayload(opEditEnd, data, &payload); err != nil {
			return err
		}
		return c.EditEnd(ctx, caller, payload)
	case EventUpdateNote:
		var payload UpdateNotePayload
		if err := decodePayload(opUpdateNote, data, &payload); err != nil {
			return err
		}
		return c.UpdateNote(ctx, caller, payload)
	default:
		return newError(KindValidation, opDispatch, reasonUnknownEvent, fmt.Errorf("%w: %q", errUnknownEvent, event))
	}
}

// EnterNote joins the caller to the document's room, reads the committed
// content and broadcasts the new room state and content.
func (c *Coordinator) EnterNote(ctx context.Context, caller Caller, payload NotePayload) error {
	documentID, err := notes.NewDocumentID(string(payload.ID))
	if err != nil {
		return newError(KindValidation, opEnterNote, reasonInvalidDocumentID, err)
	}
	roomKey := rooms.RoomKey(documentID.String())

	rejoining := c.rooms.Contains(roomKey, caller.ConnectionID)
	members, err := c.rooms.Join(roomKey, caller.ConnectionID, caller.Identity)
	if err != nil {
		return registryError(opEnterNote, err)
	}
	c.broadcaster.Join(roomKey, caller.ConnectionID)

	snapshot, err := c.documents.Load(ctx, documentID)
	if err != nil {
		c.logger.Warn("note load failed",
			zap.String("room", roomKey),
			zap.String("connection_id", caller.ConnectionID),
			zap.Error(err))
		// Undo the join so the room never lists a member nobody was told about.
		if !rejoining {
			c.rooms.LeaveRoom(roomKey, caller.ConnectionID)
			c.broadcaster.Leave(roomKey, caller.ConnectionID)
		}
		return newError(KindPersistence, opEnterNote, reasonLoadFailed, err)
	}
	editors, _ := c.editLocks.HoldersOf(roomKey)

	c.logger.Info("connection entered note",
		zap.String("room", roomKey),
		zap.String("connection_id", caller.ConnectionID),
		zap.String("user_code", caller.Identity.UserCode),
		zap.Int("members", len(members)))

	c.broadcaster.Broadcast(roomKey, EventEnterNoteSuccess, EnterNoteSuccess{Message: enterNoteSuccessMessage})
	c.broadcaster.Broadcast(roomKey, EventDisplayUser, newRoomState(members, editors))
	c.broadcaster.Broadcast(roomKey, EventNoteContent, newNoteContent(snapshot))
	return nil
}

// EditStart requests the room's edit lock for the caller. A request made
// while someone else holds the lock has no effect and is not an error.
func (c *Coordinator) EditStart(_ context.Context, caller Caller, payload NotePayload) error {
	documentID, err := notes.NewDocumentID(string(payload.ID))
	if err != nil {
		return newError(KindValidation, opEditStart, reasonInvalidDocumentID, err)
	}
	roomKey := rooms.RoomKey(documentID.String())

	members, _ := c.rooms.MembersOf(roomKey)
	editors, err := c.editLocks.Acquire(roomKey, caller.ConnectionID, caller.Identity)
	if err != nil {
		return registryError(opEditStart, err)
	}
	if len(editors) > 0 && editors[0].ConnectionID != caller.ConnectionID {
		c.logger.Debug("edit lock already held",
			zap.String("room", roomKey),
			zap.String("connection_id", caller.ConnectionID),
			zap.String("holder_connection_id", editors[0].ConnectionID))
	}

	c.broadcaster.Broadcast(roomKey, EventIsEditing, newRoomState(members, editors))
	return nil
}

// EditEnd releases whatever edit lock the caller's connection holds.
func (c *Coordinator) EditEnd(_ context.Context, caller Caller, payload NotePayload) error {
	documentID, err := notes.NewDocumentID(string(payload.ID))
	if err != nil {
		return newError(KindValidation, opEditEnd, reasonInvalidDocumentID, err)
	}
	roomKey := rooms.RoomKey(documentID.String())

	members, _ := c.rooms.MembersOf(roomKey)
	c.editLocks.Release(caller.ConnectionID)
	editors, _ := c.editLocks.HoldersOf(roomKey)

	c.broadcaster.Broadcast(roomKey, EventIsNotEditing, newRoomState(members, editors))
	return nil
}

// UpdateNote persists new content and broadcasts the value read back from
// the committed transaction. Nothing is broadcast when the write fails.
func (c *Coordinator) UpdateNote(ctx context.Context, caller Caller, payload UpdateNotePayload) error {
	documentID, err := notes.NewDocumentID(string(payload.ID))
	if err != nil {
		return newError(KindValidation, opUpdateNote, reasonInvalidDocumentID, err)
	}
	if strings.TrimSpace(caller.Identity.UserCode) == "" {
		return newError(KindValidation, opUpdateNote, reasonMissingUserCode, errMissingUserCode)
	}
	content := ""
	if payload.NoteContent != nil {
		content = *payload.NoteContent
	}
	roomKey := rooms.RoomKey(documentID.String())

	members, _ := c.rooms.MembersOf(roomKey)
	editors, _ := c.editLocks.HoldersOf(roomKey)

	snapshot, err := c.documents.SaveAndReload(ctx, documentID, content, caller.Identity.UserCode)
	if err != nil {
		c.logger.Warn("note update failed",
			zap.String("room", roomKey),
			zap.String("connection_id", caller.ConnectionID),
			zap.Error(err))
		return newError(KindPersistence, opUpdateNote, reasonSaveFailed, err)
	}

	c.broadcaster.Broadcast(roomKey, EventReceiveNote, newRoomState(members, editors))
	c.broadcaster.Broadcast(roomKey, EventNoteContent, newNoteContent(snapshot))
	return nil
}

// Disconnect removes a closed connection from its room and from any edit
// lock, then tells the room who is left. The room is resolved before removal.
func (c *Coordinator) Disconnect(connectionID string) {
	roomKey, inRoom := c.rooms.RoomKeyOf(connectionID)
	c.rooms.Leave(connectionID)
	released := c.editLocks.Release(connectionID)

	if !inRoom {
		if !released.Found {
			c.logger.Debug("connection closed outside any room", zap.String("connection_id", connectionID))
			return
		}
		roomKey = released.RoomKey
	}

	members, _ := c.rooms.MembersOf(roomKey)
	editors, _ := c.editLocks.HoldersOf(roomKey)

	c.logger.Info("connection left note",
		zap.String("room", roomKey),
		zap.String("connection_id", connectionID),
		zap.Bool("released_edit_lock", released.Found),
		zap.Int("members", len(members)))

	c.broadcaster.Broadcast(roomKey, EventDisplayUser, newRoomState(members, editors))
}

// Members returns the room key and current members for a document id.
func (c *Coordinator) Members(rawDocumentID string) (string, []rooms.Member, error) {
	documentID, err := notes.NewDocumentID(rawDocumentID)
	if err != nil {
		return "", nil, newError(KindValidation, opMembers, reasonInvalidDocumentID, err)
	}
	roomKey := rooms.RoomKey(documentID.String())
	members, ok := c.rooms.MembersOf(roomKey)
	if !ok {
		return roomKey, []rooms.Member{}, nil
	}
	return roomKey, members, nil
}
