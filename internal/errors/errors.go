// Package errors holds the error taxonomy shared by every barstore package.
//
// This file provides:
// - Category sentinels (validation, unknown series, constraint, storage, range)
// - Detail sentinels that wrap a category
// - Per-key batch diagnostics (KeyError, BatchError)
// - Category checks and exit codes for the CLI
// - Error wrapping utilities
package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ============================================================================
// Exit codes - used by cmd/barstore
// ============================================================================

const (
	CodeOK                  = 0
	CodeInternal            = 1
	CodeValidation          = 2
	CodeUnknownSeries       = 3
	CodeConstraintViolation = 4
	CodeStorageUnavailable  = 5
	CodeInvalidRange        = 6
)

// CodeName returns a human-readable name for an exit code.
func CodeName(code int) string {
	switch code {
	case CodeOK:
		return "OK"
	case CodeInternal:
		return "Internal"
	case CodeValidation:
		return "Validation"
	case CodeUnknownSeries:
		return "UnknownSeries"
	case CodeConstraintViolation:
		return "ConstraintViolation"
	case CodeStorageUnavailable:
		return "StorageUnavailable"
	case CodeInvalidRange:
		return "InvalidRange"
	default:
		return fmt.Sprintf("Code(%d)", code)
	}
}

// ============================================================================
// Category sentinels
// ============================================================================

var (
	ErrValidation          = errors.New("validation error")
	ErrUnknownSeries       = errors.New("unknown series")
	ErrConstraintViolation = errors.New("constraint violation")
	ErrStorageUnavailable  = errors.New("storage unavailable")
	ErrInvalidRange        = errors.New("invalid range")
)

// ============================================================================
// Detail sentinels, each wrapping its category
// ============================================================================

var (
	// Validation
	ErrMissingKey          = fmt.Errorf("missing temporal key: %w", ErrValidation)
	ErrBadKey              = fmt.Errorf("unparseable temporal key: %w", ErrValidation)
	ErrGranularityMismatch = fmt.Errorf("key does not match series granularity: %w", ErrValidation)
	ErrFieldNotAllowed     = fmt.Errorf("field not in series schema: %w", ErrValidation)
	ErrNonFinite           = fmt.Errorf("non-finite value: %w", ErrValidation)
	ErrDuplicateKey        = fmt.Errorf("duplicate key in batch: %w", ErrValidation)
	ErrInvalidConfig       = fmt.Errorf("invalid configuration: %w", ErrValidation)
	ErrBadInput            = fmt.Errorf("malformed input: %w", ErrValidation)

	// Constraint
	ErrNonPositive = fmt.Errorf("value must be strictly positive: %w", ErrConstraintViolation)
	ErrKeyExists   = fmt.Errorf("key already exists: %w", ErrConstraintViolation)

	// Storage
	ErrClosed       = fmt.Errorf("store is closed: %w", ErrStorageUnavailable)
	ErrBackpressure = fmt.Errorf("write rejected under backpressure: %w", ErrStorageUnavailable)
	ErrCorrupt      = fmt.Errorf("corrupt storage file: %w", ErrStorageUnavailable)

	// Range
	ErrBucketTooFine = fmt.Errorf("bucket finer than series resolution: %w", ErrInvalidRange)
)

// ============================================================================
// Helper functions for error checking
// ============================================================================

// Is is a convenience wrapper for errors.Is
var Is = errors.Is

// As is a convenience wrapper for errors.As
var As = errors.As

// New is a convenience wrapper for errors.New
var New = errors.New

// Join is a convenience wrapper for errors.Join
var Join = errors.Join

func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

func IsUnknownSeries(err error) bool { return errors.Is(err, ErrUnknownSeries) }

func IsConstraint(err error) bool { return errors.Is(err, ErrConstraintViolation) }

func IsInvalidRange(err error) bool { return errors.Is(err, ErrInvalidRange) }

// IsRetriable returns true if the caller may retry the same call unchanged.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// ErrorToCode maps an error to its CLI exit code. Validation wins over
// constraint when a batch carries both.
func ErrorToCode(err error) int {
	switch {
	case err == nil:
		return CodeOK
	case IsUnknownSeries(err):
		return CodeUnknownSeries
	case IsValidation(err):
		return CodeValidation
	case IsConstraint(err):
		return CodeConstraintViolation
	case IsRetriable(err):
		return CodeStorageUnavailable
	case IsInvalidRange(err):
		return CodeInvalidRange
	default:
		return CodeInternal
	}
}

// ============================================================================
// Error wrapping utilities
// ============================================================================

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Unavailable marks an I/O failure as a retryable storage error.
func Unavailable(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}

// NewUnknownSeries reports an identifier missing from the registry.
func NewUnknownSeries(id string) error {
	return fmt.Errorf("series %q: %w", id, ErrUnknownSeries)
}

// NewInvalidValue creates an invalid value error for a field.
func NewInvalidValue(field string, value interface{}, reason string) error {
	return fmt.Errorf("invalid %s '%v': %s: %w", field, value, reason, ErrValidation)
}

// ============================================================================
// Per-key diagnostics
// ============================================================================

// KeyError ties a failure to the temporal key of one record.
type KeyError struct {
	Key   string
	Field string
	Err   error
}

func (e *KeyError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("key %s: %s: %v", e.Key, e.Field, e.Err)
	}
	return fmt.Sprintf("key %s: %v", e.Key, e.Err)
}

func (e *KeyError) Unwrap() error { return e.Err }

// BatchError collects per-key failures of a rejected batch. errors.Is
// matches any of the contained categories.
type BatchError struct {
	Series string
	Keys   []*KeyError
}

// Add appends a diagnostic.
func (b *BatchError) Add(key, field string, err error) {
	b.Keys = append(b.Keys, &KeyError{Key: key, Field: field, Err: err})
}

// HasErrors returns true if there are any diagnostics.
func (b *BatchError) HasErrors() bool {
	return b != nil && len(b.Keys) > 0
}

// Err returns nil if there are no diagnostics, otherwise the BatchError.
func (b *BatchError) Err() error {
	if !b.HasErrors() {
		return nil
	}
	sort.SliceStable(b.Keys, func(i, j int) bool { return b.Keys[i].Key < b.Keys[j].Key })
	return b
}

// KeyNames returns the distinct keys named by the diagnostics, sorted.
func (b *BatchError) KeyNames() []string {
	seen := make(map[string]struct{}, len(b.Keys))
	out := make([]string, 0, len(b.Keys))
	for _, k := range b.Keys {
		if _, ok := seen[k.Key]; ok {
			continue
		}
		seen[k.Key] = struct{}{}
		out = append(out, k.Key)
	}
	sort.Strings(out)
	return out
}

func (b *BatchError) Error() string {
	if len(b.Keys) == 1 {
		return fmt.Sprintf("series %s: %s", b.Series, b.Keys[0].Error())
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "series %s: batch rejected with %d errors:", b.Series, len(b.Keys))
	for _, k := range b.Keys {
		sb.WriteString("\n  - ")
		sb.WriteString(k.Error())
	}
	return sb.String()
}

func (b *BatchError) Unwrap() []error {
	errs := make([]error, len(b.Keys))
	for i, k := range b.Keys {
		errs[i] = k
	}
	return errs
}
