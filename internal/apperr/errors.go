// Package apperr defines the error taxonomy shared by the repository backends
// and the report pipeline. Callers match on the sentinels with errors.Is and
// read the detail through errors.As on *Error.
package apperr

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrValidation         = errors.New("validation failed")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrRender             = errors.New("render failed")
	ErrPersist            = errors.New("persist failed")
)

// Error carries the taxonomy kind plus the entity, id, or field it concerns
type Error struct {
	Kind   error
	Entity string
	ID     string
	Field  string
	Msg    string
	Err    error
}

func (e *Error) Error() string {
	var subject string
	switch {
	case e.Entity != "" && e.ID != "":
		subject = fmt.Sprintf("%s %s", e.Entity, e.ID)
	case e.Entity != "":
		subject = e.Entity
	}
	if e.Field != "" {
		if subject != "" {
			subject += " "
		}
		subject += "field " + e.Field
	}

	msg := e.Kind.Error()
	if subject != "" {
		msg = subject + ": " + msg
	}
	if e.Msg != "" {
		msg += ": " + e.Msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the sentinel kind and the underlying cause
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

// NotFound reports a missing entity
func NotFound(entity string, id interface{}) error {
	return &Error{Kind: ErrNotFound, Entity: entity, ID: fmt.Sprint(id)}
}

// Conflict reports a uniqueness violation on field
func Conflict(entity, field, msg string) error {
	return &Error{Kind: ErrConflict, Entity: entity, Field: field, Msg: msg}
}

// Validation reports malformed input on field
func Validation(entity, field, msg string) error {
	return &Error{Kind: ErrValidation, Entity: entity, Field: field, Msg: msg}
}

// BackendUnavailable wraps a storage failure
func BackendUnavailable(backend string, err error) error {
	return &Error{Kind: ErrBackendUnavailable, Entity: backend, Err: err}
}

// Render wraps a document rendering failure
func Render(err error) error {
	return &Error{Kind: ErrRender, Err: err}
}

// Persist wraps an artifact write failure
func Persist(name string, err error) error {
	return &Error{Kind: ErrPersist, Entity: "artifact", ID: name, Err: err}
}

// IsTaxonomy reports whether err belongs to the taxonomy at all
func IsTaxonomy(err error) bool {
	var e *Error
	return errors.As(err, &e)
}
