package model

// DomainError represents a domain-level business rule violation.
type DomainError struct {
	Code    string // Error code for programmatic handling
	Message string // Human-readable error message
}

func (e DomainError) Error() string {
	return e.Message
}

// Domain errors returned by model business logic methods.
var (
	// ErrOutboundExpired indicates the outbound item outlived its TTL.
	ErrOutboundExpired = DomainError{Code: "OUTBOUND_EXPIRED", Message: "Outbound message has expired"}

	// ErrOutboundAlreadySent indicates the item was already written to the broker.
	ErrOutboundAlreadySent = DomainError{Code: "ALREADY_SENT", Message: "Outbound message already sent"}

	// ErrOutboundDropped indicates the item was discarded by the queue.
	ErrOutboundDropped = DomainError{Code: "DROPPED", Message: "Outbound message was dropped"}

	// ErrInvalidTransition indicates a call status change the lifecycle does not allow.
	ErrInvalidTransition = DomainError{Code: "INVALID_TRANSITION", Message: "Call status transition not allowed"}

	// ErrSameParticipant indicates a channel was requested between a user and themself.
	ErrSameParticipant = DomainError{Code: "SAME_PARTICIPANT", Message: "Call participants must differ"}
)
