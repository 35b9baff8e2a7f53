package provider

import (
	"fmt"
)

// Provider error codes that drive dispatch failure classification.
const (
	CodeAuthException       = 0
	CodePermissionDenied    = 10
	CodeAccessTokenExpired  = 190
	CodeAPIVersionRetired   = 2593
	CodeTemporarilyBlocked  = 368
	CodeRequiredParamMissed = 131008
	CodeParamValueInvalid   = 131009
	CodeServiceOverloaded   = 131016
	CodeRecipientIsSender   = 131021
	CodeUndeliverable       = 131026
	CodeAccountLocked       = 131031
	CodeReengagementWindow  = 131047
	CodeUnsupportedType     = 131051
	CodePairRateLimited     = 131056
)

// APIError is a non-2xx response from the provider API. Code is the
// provider's own error code, StatusCode the HTTP status.
type APIError struct {
	StatusCode int
	Code       int
	Message    string
	Details    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
}

// Transient reports whether the HTTP status alone marks the error
// retryable (throttling and upstream unavailability).
func (e *APIError) Transient() bool {
	switch e.StatusCode {
	case 429, 502, 503, 504:
		return true
	}
	switch e.Code {
	case CodeServiceOverloaded, CodePairRateLimited:
		return true
	}
	return false
}

// Terminal reports a validation-class failure that no amount of retrying
// will fix: bad recipient, blocked recipient, malformed content.
func (e *APIError) Terminal() bool {
	switch e.Code {
	case CodeRequiredParamMissed, CodeParamValueInvalid, CodeRecipientIsSender,
		CodeUndeliverable, CodeReengagementWindow, CodeUnsupportedType, CodeTemporarilyBlocked:
		return true
	}
	return false
}

// AccountCritical reports account-level failures (auth, account blocked,
// retired API version) that must alert operators immediately.
func (e *APIError) AccountCritical() bool {
	switch e.Code {
	case CodeAuthException:
		// code 0 is also what an unparsed error body yields, so require the
		// auth status to back it up
		return e.StatusCode == 401
	case CodePermissionDenied, CodeAccessTokenExpired,
		CodeAccountLocked, CodeAPIVersionRetired:
		return true
	}
	return false
}
