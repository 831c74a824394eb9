package vxdata

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Standard sentinel errors for the data layer.
var (
	// ErrAccessDenied is returned when an entity or attribute operation is not permitted.
	ErrAccessDenied = errors.New("vxdata: access denied")

	// ErrDevelopment is returned for configuration errors that indicate an
	// incorrect application setup, e.g. a fetch plan built against the wrong property.
	ErrDevelopment = errors.New("vxdata: development error")

	// ErrUnsupported is returned when a requested feature is not supported.
	ErrUnsupported = errors.New("vxdata: unsupported operation")

	// ErrEntityNotFound is returned when a requested row does not exist.
	ErrEntityNotFound = errors.New("vxdata: entity not found")

	// ErrIllegalState is returned when the persistence context is inconsistent.
	ErrIllegalState = errors.New("vxdata: illegal state")

	// ErrInvalidConfig is returned when an option receives an invalid value.
	ErrInvalidConfig = errors.New("vxdata: invalid config")
)

// PermissionKind tells whether a denied operation targeted an entity or an attribute.
type PermissionKind int

// Permission kinds.
const (
	PermissionEntityOp PermissionKind = iota
	PermissionEntityAttr
)

// String returns the permission kind name.
func (k PermissionKind) String() string {
	if k == PermissionEntityAttr {
		return "ENTITY_ATTR"
	}
	return "ENTITY_OP"
}

// AccessDeniedError represents a denied entity operation or attribute access.
type AccessDeniedError struct {
	Kind   PermissionKind
	Target string // Entity name, or "Entity.attribute" for attributes
	Op     string // Operation, e.g. "create" or "view"
}

// Error returns the error string.
func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("vxdata: access denied: %s %s on %s", e.Kind, e.Op, e.Target)
}

// Is reports whether the target error matches ErrAccessDenied.
func (e *AccessDeniedError) Is(err error) bool {
	return err == ErrAccessDenied
}

// NewAccessDeniedError returns a new AccessDeniedError for an entity operation.
func NewAccessDeniedError(entity string, op EntityOp) *AccessDeniedError {
	return &AccessDeniedError{Kind: PermissionEntityOp, Target: entity, Op: op.String()}
}

// NewAttrAccessDeniedError returns a new AccessDeniedError for an attribute operation.
func NewAttrAccessDeniedError(entity, attr string, op AttrOp) *AccessDeniedError {
	return &AccessDeniedError{Kind: PermissionEntityAttr, Target: entity + "." + attr, Op: op.String()}
}

// IsAccessDenied returns true if the error is an AccessDeniedError.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	var e *AccessDeniedError
	return errors.As(err, &e) || errors.Is(err, ErrAccessDenied)
}

// DevelopmentError represents a developer-facing configuration error.
// These errors never self-heal and should fail loudly.
type DevelopmentError struct {
	Message string
	Params  map[string]any
}

// Error returns the error string.
func (e *DevelopmentError) Error() string {
	if len(e.Params) == 0 {
		return "vxdata: " + e.Message
	}
	var sb strings.Builder
	sb.WriteString("vxdata: ")
	sb.WriteString(e.Message)
	keys := sortedKeys(e.Params)
	for i, k := range keys {
		if i == 0 {
			sb.WriteString(" [")
		} else {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "%s=%v", k, e.Params[k])
	}
	sb.WriteString("]")
	return sb.String()
}

// Is reports whether the target error matches ErrDevelopment.
func (e *DevelopmentError) Is(err error) bool {
	return err == ErrDevelopment
}

// NewDevelopmentError returns a new DevelopmentError. Params are given as
// alternating key/value pairs.
func NewDevelopmentError(msg string, kv ...any) *DevelopmentError {
	e := &DevelopmentError{Message: msg}
	if len(kv) > 0 {
		e.Params = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			e.Params[fmt.Sprint(kv[i])] = kv[i+1]
		}
	}
	return e
}

// IsDevelopmentError returns true if the error is a DevelopmentError.
func IsDevelopmentError(err error) bool {
	if err == nil {
		return false
	}
	var e *DevelopmentError
	return errors.As(err, &e)
}

// UnsupportedError represents a request the data layer cannot execute.
type UnsupportedError struct {
	Message string
}

// Error returns the error string.
func (e *UnsupportedError) Error() string {
	return "vxdata: unsupported: " + e.Message
}

// Is reports whether the target error matches ErrUnsupported.
func (e *UnsupportedError) Is(err error) bool {
	return err == ErrUnsupported
}

// NewUnsupportedError returns a new UnsupportedError.
func NewUnsupportedError(format string, a ...any) *UnsupportedError {
	return &UnsupportedError{Message: fmt.Sprintf(format, a...)}
}

// EntityNotFoundError represents a missing row.
type EntityNotFoundError struct {
	Entity string
	ID     any
}

// Error returns the error string.
func (e *EntityNotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("vxdata: %s not found (id=%v)", e.Entity, e.ID)
	}
	return fmt.Sprintf("vxdata: %s not found", e.Entity)
}

// Is reports whether the target error matches ErrEntityNotFound.
func (e *EntityNotFoundError) Is(err error) bool {
	return err == ErrEntityNotFound
}

// NewEntityNotFoundError returns a new EntityNotFoundError.
func NewEntityNotFoundError(entity string, id any) *EntityNotFoundError {
	return &EntityNotFoundError{Entity: entity, ID: id}
}

// IsEntityNotFound returns true if the error is an EntityNotFoundError.
func IsEntityNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *EntityNotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrEntityNotFound)
}

// IllegalStateError wraps an error with a clearer explanation. The original
// error is kept as Suppressed and reachable through errors.Is/As.
type IllegalStateError struct {
	Message    string
	Suppressed error
}

// Error returns the error string.
func (e *IllegalStateError) Error() string {
	return "vxdata: " + e.Message
}

// Unwrap returns the suppressed error.
func (e *IllegalStateError) Unwrap() error {
	return e.Suppressed
}

// Is reports whether the target error matches ErrIllegalState.
func (e *IllegalStateError) Is(err error) bool {
	return err == ErrIllegalState
}

// IsIllegalState returns true if the error is an IllegalStateError.
func IsIllegalState(err error) bool {
	if err == nil {
		return false
	}
	var e *IllegalStateError
	return errors.As(err, &e)
}

// ReportQueryError is returned when an entity fetch plan is applied to a
// scalar or tuple projection query.
type ReportQueryError struct {
	Query string
	Err   error
}

// Error returns the error string.
func (e *ReportQueryError) Error() string {
	return fmt.Sprintf("vxdata: fetch plan cannot be applied to a query selecting values, use loadValues for %q: %v", e.Query, e.Err)
}

// Unwrap returns the underlying error.
func (e *ReportQueryError) Unwrap() error {
	return e.Err
}

// ValidationError represents a failed validation of a committed entity.
type ValidationError struct {
	Entity     string
	Violations []string
}

// Error returns the error string.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("vxdata: validation failed for %s: %s", e.Entity, strings.Join(e.Violations, "; "))
}

// IsValidationError returns true if the error is a ValidationError.
func IsValidationError(err error) bool {
	if err == nil {
		return false
	}
	var e *ValidationError
	return errors.As(err, &e)
}

// ConfigError represents an invalid option value.
type ConfigError struct {
	Option  string
	Value   any
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Value != nil {
		return fmt.Sprintf("vxdata: config error for %q (value: %v): %s", e.Option, e.Value, e.Message)
	}
	return fmt.Sprintf("vxdata: config error for %q: %s", e.Option, e.Message)
}

// Is reports whether the target matches ErrInvalidConfig.
func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

// NewConfigError creates a new ConfigError.
func NewConfigError(option string, value any, message string) *ConfigError {
	return &ConfigError{Option: option, Value: value, Message: message}
}

// IsConfigError returns true if the error is a ConfigError.
func IsConfigError(err error) bool {
	if err == nil {
		return false
	}
	var e *ConfigError
	return errors.As(err, &e)
}

func sortedKeys(m map[string]any) []string {
	return slices.Sorted(maps.Keys(m))
}
