package i18n

var enUS = map[Key]string{
	// ===== Detection =====
	MsgDetected:    "Bottle detected. Thank you for recycling!",
	MsgNotDetected: "No bottle detected. Please insert a bottle and try again.",
	MsgGranted:     "Internet access granted.",

	// ===== Denials =====
	ErrNotFound:         "Session not found. Please donate a bottle first.",
	ErrNotDonated:       "No bottle was donated for this session.",
	ErrIdentityMismatch: "This session belongs to another device.",
	ErrExpired:          "Your session has expired. Please donate another bottle.",
	ErrAlreadyActive:    "This device already has active internet access.",
	ErrUnresolved:       "Could not identify your device.",
	ErrInvalidParams:    "Invalid request.",
	ErrUnauthorized:     "Invalid credentials.",

	// ===== System =====
	ErrSensor:           "The bottle sensor is not responding. Please try again.",
	ErrAdapterFailure:   "Could not enable internet access. Please try again.",
	ErrStoreUnavailable: "The service is temporarily unavailable. Please try again.",
	ErrInternal:         "Something went wrong. Please try again.",
}
