package report

import "fmt"

// Validation failure reasons returned by Submit.
const (
	ReasonAlreadySubmitted  = "already submitted"
	ReasonNoEvidence        = "no evidence"
	ReasonNoAuthority       = "no responsible authority"
	ReasonSubmitInProgress  = "submission in progress"
	ReasonNotDraft          = "report is no longer a draft"
	ReasonInvalidTransition = "invalid status transition"
)

// ValidationError reports that a request violates a precondition. Retrying
// the same request will fail the same way.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// NotFoundError reports a missing resource, or one the caller may not see.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

// ExternalServiceError wraps a failure of a collaborator such as the mail
// provider.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error {
	return e.Err
}

func validationErr(reason string) error {
	return &ValidationError{Reason: reason}
}

func reportNotFound(id string) error {
	return &NotFoundError{Resource: "report", ID: id}
}
