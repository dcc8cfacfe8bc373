package domain

import "errors"

var (
	// ErrDescriptorShapeMismatch means a descriptor is missing or not DescriptorLength long.
	ErrDescriptorShapeMismatch = errors.New("descriptor shape mismatch")

	// ErrTemplateNotFound means the subject is not enrolled. Distinct from a failed match.
	ErrTemplateNotFound = errors.New("template not found")

	ErrSessionExpired = errors.New("session expired")
	ErrSessionClosed  = errors.New("session closed")

	// ErrSessionNotAccepted means a fraud evaluation named a session that
	// did not end ACCEPTED.
	ErrSessionNotAccepted = errors.New("session not accepted")

	// ErrAlreadyResolved is returned to the loser of a concurrent resolution.
	ErrAlreadyResolved = errors.New("alert already resolved")

	ErrChainIntegrityViolation = errors.New("audit chain integrity violation")

	// ErrPolicyConfiguration flags missing or invalid thresholds and policies.
	ErrPolicyConfiguration = errors.New("policy configuration error")

	ErrNotFound        = errors.New("record not found")
	ErrInvalidInput    = errors.New("invalid input")
	ErrDecisionExists  = errors.New("decision already recorded for session")
	ErrSignatureExists = errors.New("signature already exists for entity action")
	ErrEntityNotFound  = errors.New("business entity not found")
)
