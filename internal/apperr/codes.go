package apperr

type Code string

const (
	CodeInternal           Code = "INTERNAL"
	CodeValidation         Code = "VALIDATION"
	CodeNotParticipant     Code = "NOT_PARTICIPANT"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeAlreadyExists      Code = "ALREADY_EXISTS"
	CodeUnauthenticated    Code = "UNAUTHENTICATED"
	CodePersistenceFailure Code = "PERSISTENCE_FAILURE"
	CodeTransportDropped   Code = "TRANSPORT_DROPPED"
	CodeRateLimited        Code = "RATE_LIMITED"
)

// Retryable reports whether an operation failing with this code may succeed
// when repeated with the same idempotency key.
func (c Code) Retryable() bool {
	switch c {
	case CodePersistenceFailure, CodeTransportDropped, CodeRateLimited:
		return true
	}
	return false
}
