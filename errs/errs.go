// Package errs defines the error types returned by janitor components. Callers match them with errors.As or the
// Is* helpers; every type survives fmt.Errorf("...: %w") wrapping.
package errs

import (
	"errors"
	"fmt"
)

// ValidationError reports a malformed argument.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func Invalid(field, reason string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// DenyReason explains why a principal was refused.
type DenyReason string

var (
	DenyNotMember        = DenyReason("not_member")
	DenyInsufficientRole = DenyReason("insufficient_role")
	DenyNotAdmin         = DenyReason("not_admin")
	DenyQuotaExceeded    = DenyReason("quota_exceeded")
)

type PermissionDeniedError struct {
	Reason DenyReason
	Detail string
}

func (e *PermissionDeniedError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("permission denied (%s)", e.Reason)
	}
	return fmt.Sprintf("permission denied (%s): %s", e.Reason, e.Detail)
}

func Denied(reason DenyReason, detail string, args ...any) error {
	return &PermissionDeniedError{Reason: reason, Detail: fmt.Sprintf(detail, args...)}
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func NotFound(kind string, id fmt.Stringer) error {
	return &NotFoundError{Kind: kind, ID: id.String()}
}

func NotFoundID(kind string, id uint64) error {
	return &NotFoundError{Kind: kind, ID: fmt.Sprintf("%d", id)}
}

type AlreadyInactiveError struct {
	ReportID uint64
}

func (e *AlreadyInactiveError) Error() string {
	return fmt.Sprintf("report %d is already inactive", e.ReportID)
}

// ConflictError reports a write that lost against a concurrent modification.
type ConflictError struct {
	Kind   string
	ID     string
	Detail string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflicting update to %s %s: %s", e.Kind, e.ID, e.Detail)
}

// DeliveryError is a failed webhook delivery. Permanent is set once retries are exhausted or the endpoint
// rejected the notification outright.
type DeliveryError struct {
	GuildID    string
	StatusCode int
	Attempts   int
	Permanent  bool
	Err        error
}

func (e *DeliveryError) Error() string {
	kind := "delivery failed"
	if e.Permanent {
		kind = "permanent delivery failure"
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s for guild %s after %d attempts (status %d): %v", kind, e.GuildID, e.Attempts, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s for guild %s after %d attempts: %v", kind, e.GuildID, e.Attempts, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsPermissionDenied(err error) bool {
	var target *PermissionDeniedError
	return errors.As(err, &target)
}

// DenialReason returns the deny reason of err, or the empty string if err is not a permission error.
func DenialReason(err error) DenyReason {
	var target *PermissionDeniedError
	if errors.As(err, &target) {
		return target.Reason
	}
	return ""
}

func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsAlreadyInactive(err error) bool {
	var target *AlreadyInactiveError
	return errors.As(err, &target)
}

func IsConflict(err error) bool {
	var target *ConflictError
	return errors.As(err, &target)
}

func IsPermanentDelivery(err error) bool {
	var target *DeliveryError
	return errors.As(err, &target) && target.Permanent
}
