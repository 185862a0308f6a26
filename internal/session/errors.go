package session

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/wikinote/backend/internal/rooms"
)

// ErrorKind classifies handler failures.
type ErrorKind string

const (
	// KindValidation covers missing or malformed identifiers and payloads.
	KindValidation ErrorKind = "validation"
	// KindPersistence covers failed transactions against the document store.
	KindPersistence ErrorKind = "persistence"
	// KindInternal covers everything else raised inside a handler.
	KindInternal ErrorKind = "internal"
)

const (
	opEnterNote  = "session.enter_note"
	opEditStart  = "session.edit_start"
	opEditEnd    = "session.edit_end"
	opUpdateNote = "session.update_note"
	opDispatch   = "session.dispatch"
	opMembers    = "session.members"
	opNew        = "session.new"

	reasonInvalidDocumentID = "invalid_document_id"
	reasonInvalidPayload    = "invalid_payload"
	reasonInvalidIdentity   = "invalid_identity"
	reasonMissingUserCode   = "missing_user_code"
	reasonRegistryFailed    = "registry_failed"
	reasonLoadFailed        = "load_failed"
	reasonSaveFailed        = "save_failed"
	reasonUnknownEvent      = "unknown_event"
	reasonPanic             = "panic"
	reasonUnexpected        = "unexpected"
	reasonMissingDependency = "missing_dependency"
)

var (
	errUnknownEvent    = errors.New("unknown event")
	errMissingUserCode = errors.New("identity has no user code")
)

// Error is returned by every coordinator operation. It is reported only to
// the connection that triggered it.
type Error struct {
	kind ErrorKind
	code string
	err  error
}

func (e *Error) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind reports the failure class.
func (e *Error) Kind() ErrorKind {
	return e.kind
}

// Code reports the stable operation.reason code.
func (e *Error) Code() string {
	return e.code
}

func newError(kind ErrorKind, operation, reason string, cause error) error {
	return &Error{kind: kind, code: operation + "." + reason, err: cause}
}

// registryError maps a registry failure onto the error taxonomy. Identity
// problems are the caller's input, the rest is internal.
func registryError(operation string, cause error) error {
	if errors.Is(cause, rooms.ErrEmptyDisplayName) || errors.Is(cause, rooms.ErrMissingConnectionID) {
		return newError(KindValidation, operation, reasonInvalidIdentity, cause)
	}
	return newError(KindInternal, operation, reasonRegistryFailed, cause)
}

// Exception is the payload sent back to a connection whose action failed.
type Exception struct {
	Status  string `json:"status"`
	Kind    string `json:"kind"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ExceptionOf converts any handler error into its wire form.
func ExceptionOf(err error) Exception {
	var sessionErr *Error
	if errors.As(err, &sessionErr) {
		return Exception{
			Status:  "error",
			Kind:    string(sessionErr.Kind()),
			Code:    sessionErr.Code(),
			Message: sessionErr.Error(),
		}
	}
	return Exception{
		Status:  "error",
		Kind:    string(KindInternal),
		Code:    opDispatch + "." + reasonUnexpected,
		Message: "internal error",
	}
}
