package session

import "errors"

// Grant denials, in the order ValidateAndGrant checks them.
var (
	ErrNotFound         = errors.New("session not found")
	ErrNotDonated       = errors.New("no bottle donated for this session")
	ErrIdentityMismatch = errors.New("session belongs to a different device")
	ErrExpired          = errors.New("session expired")
	ErrAlreadyActive    = errors.New("device already has an active session")

	// ErrStoreUnavailable is a system failure, not a denial.
	ErrStoreUnavailable = errors.New("session store unavailable")
)

// Stable machine-readable reason codes.
const (
	CodeNotFound         = "NOT_FOUND"
	CodeNotDonated       = "NOT_DONATED"
	CodeIdentityMismatch = "IDENTITY_MISMATCH"
	CodeExpired          = "EXPIRED"
	CodeAlreadyActive    = "ALREADY_ACTIVE"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
)

// Code returns the reason code for a session error, or "" if err is not one.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrNotDonated):
		return CodeNotDonated
	case errors.Is(err, ErrIdentityMismatch):
		return CodeIdentityMismatch
	case errors.Is(err, ErrExpired):
		return CodeExpired
	case errors.Is(err, ErrAlreadyActive):
		return CodeAlreadyActive
	case errors.Is(err, ErrStoreUnavailable):
		return CodeStoreUnavailable
	}
	return ""
}

// IsDenial reports whether err is a client-caused denial rather than a
// system failure.
func IsDenial(err error) bool {
	switch Code(err) {
	case CodeNotFound, CodeNotDonated, CodeIdentityMismatch, CodeExpired, CodeAlreadyActive:
		return true
	}
	return false
}
