package apperr

import (
	"errors"
	"fmt"
)

// Stage names, used as log fields and metric labels.
const (
	StageTransport = "transport"
	StageSchema    = "schema"
	StageStorage   = "storage"
	StageUnknown   = "unknown"
)

// TransportError: the provider could not be reached or answered non-2xx.
type TransportError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SchemaError: a payload did not have the expected shape.
type SchemaError struct {
	Op    string
	ID    string
	Field string
	Err   error
}

func (e *SchemaError) Error() string {
	msg := "schema " + e.Op
	if e.ID != "" {
		msg += " id=" + e.ID
	}
	if e.Field != "" {
		msg += " field=" + e.Field
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

type StorageError struct {
	Op    string
	Index string
	ID    string
	Err   error
}

func (e *StorageError) Error() string {
	msg := "storage " + e.Op
	if e.Index != "" {
		msg += " index=" + e.Index
	}
	if e.ID != "" {
		msg += " id=" + e.ID
	}
	return fmt.Sprintf("%s: %v", msg, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func Transport(op string, status int, err error) error {
	return &TransportError{Op: op, StatusCode: status, Err: err}
}

func Schema(op, id, field string, err error) error {
	return &SchemaError{Op: op, ID: id, Field: field, Err: err}
}

func Storage(op, index, id string, err error) error {
	return &StorageError{Op: op, Index: index, ID: id, Err: err}
}

// Stage classifies err by the first taxonomy type found in its chain.
func Stage(err error) string {
	var (
		te *TransportError
		se *SchemaError
		st *StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &te):
		return StageTransport
	case errors.As(err, &se):
		return StageSchema
	case errors.As(err, &st):
		return StageStorage
	default:
		return StageUnknown
	}
}
