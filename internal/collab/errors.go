package collab

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/coedit/backend/internal/content"
)

// Contention and session-state outcomes. They are expected results, not faults.
var (
	ErrUnitBusy           = errors.New("collab: unit busy")
	ErrConcurrentSave     = errors.New("collab: concurrent save in progress")
	ErrUnitOpenForEdit    = errors.New("collab: unit open for edit")
	ErrAlreadyOpenSession = errors.New("collab: already open session")
	ErrSessionNotFound    = errors.New("collab: session not found")
	ErrSessionProblem     = errors.New("collab: session problem")
	ErrQuotaExceeded      = content.ErrQuotaExceeded
	ErrRecentSave         = errors.New("collab: recent save covers current state")
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingContent  = errors.New("content store is required")
)

// Holder identifies the owner of a held unit.
type Holder struct {
	Owner       string `json:"owner"`
	DisplayName string `json:"display_name,omitempty"`
}

// Error is the typed outcome returned for contention, session-state and quota conditions.
type Error struct {
	Code   string
	Holder *Holder
	Quota  *content.QuotaError
	kind   error
}

func newOutcomeError(kind error, code string) *Error {
	return &Error{Code: code, kind: kind}
}

func (e *Error) Error() string {
	if e.Quota != nil {
		return e.Quota.Error()
	}
	return e.kind.Error()
}

// Unwrap exposes the sentinel so callers can branch with errors.Is.
func (e *Error) Unwrap() error {
	return e.kind
}

// Kind returns the sentinel describing the outcome.
func (e *Error) Kind() error {
	return e.kind
}

// ServiceError reports an unexpected failure as operation.reason.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// outcome errors carry their own meaning and pass through transactions unchanged.
func isOutcome(err error) bool {
	var outcome *Error
	return errors.As(err, &outcome)
}
