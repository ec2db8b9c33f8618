package accounts

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Errors returned by the account service.
var (
	// ErrInvalidCredentials is returned by Authenticate for an unknown
	// username and for a wrong password alike.
	ErrInvalidCredentials = errors.New("invalid username or password")
	// ErrAccountDisabled is returned when the password matched but the account
	// has been deactivated.
	ErrAccountDisabled = errors.New("account is disabled")
	// ErrInvalidSession is returned when presented session credentials do not
	// match a live session.
	ErrInvalidSession = errors.New("invalid session")
	// ErrUnauthenticated is returned when an operation requires a signed-in
	// user and none was supplied.
	ErrUnauthenticated = errors.New("authentication required")
	// ErrStorageUnavailable matches every *StorageError.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrDuplicateKey matches every *DuplicateKeyError.
	ErrDuplicateKey = errors.New("duplicate key")
)

// ValidationError carries field-addressable messages that are safe to show
// to the end user verbatim.
type ValidationError struct {
	Fields map[string][]string
}

// NewValidationError returns a ValidationError with a single message.
func NewValidationError(field, msg string) *ValidationError {
	v := &ValidationError{}
	v.Add(field, msg)
	return v
}

// Add appends msg to the messages of field.
func (v *ValidationError) Add(field, msg string) {
	if v.Fields == nil {
		v.Fields = make(map[string][]string)
	}
	v.Fields[field] = append(v.Fields[field], msg)
}

// Empty reports whether no messages have been recorded.
func (v *ValidationError) Empty() bool {
	return v == nil || len(v.Fields) == 0
}

// Has reports whether field has at least one message.
func (v *ValidationError) Has(field string) bool {
	return v != nil && len(v.Fields[field]) > 0
}

// OrNil returns v as an error, or nil when it is empty.
func (v *ValidationError) OrNil() error {
	if v.Empty() {
		return nil
	}
	return v
}

func (v *ValidationError) Error() string {
	fields := make([]string, 0, len(v.Fields))
	for f := range v.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, f+": "+strings.Join(v.Fields[f], ", "))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// NotFoundError reports a missing target entity. Its message never names the
// key that was looked up.
type NotFoundError struct {
	Entity string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found"
}

// AuthorizationError is returned when an authenticated user lacks the role or
// permission an operation requires.
type AuthorizationError struct {
	Reason string
	Role   Role
}

func (e *AuthorizationError) Error() string {
	return e.Reason
}

// StorageError wraps a failure of the persistence layer.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool {
	return target == ErrStorageUnavailable
}

// DuplicateKeyError is returned by Storage implementations when a write
// violates a unique index. Field is "username", "email" or "token".
type DuplicateKeyError struct {
	Field string
	Err   error
}

func (e *DuplicateKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("duplicate %s: %v", e.Field, e.Err)
	}
	return "duplicate " + e.Field
}

func (e *DuplicateKeyError) Unwrap() error { return e.Err }

func (e *DuplicateKeyError) Is(target error) bool {
	return target == ErrDuplicateKey
}

// StatusCode maps an error from the service to the HTTP status an API
// endpoint should answer with.
func StatusCode(err error) int {
	var (
		validationErr *ValidationError
		notFoundErr   *NotFoundError
		authzErr      *AuthorizationError
	)

	switch {
	case err == nil:
		return http.StatusOK
	case errors.As(err, &validationErr):
		return http.StatusBadRequest
	case errors.As(err, &notFoundErr):
		return http.StatusNotFound
	case errors.As(err, &authzErr):
		return http.StatusForbidden
	case errors.Is(err, ErrUnauthenticated),
		errors.Is(err, ErrInvalidSession),
		errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrAccountDisabled):
		return http.StatusUnauthorized
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
