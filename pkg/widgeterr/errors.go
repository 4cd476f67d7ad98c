// Package widgeterr maps challenge widget error codes to user-facing
// messages and classifies which of them are worth retrying.
package widgeterr

import (
	"errors"
	"fmt"
)

// Code is an error code reported by the challenge widget
type Code string

const (
	CodeNetworkError        Code = "network-error"
	CodeVerificationExpired Code = "verification-expired"
	CodeBrowserUnsupported  Code = "browser-unsupported"
	CodeVerificationFailed  Code = "verification-failed"
	CodeTimeoutError        Code = "timeout-error"
	CodeInvalidSiteKey      Code = "invalid-sitekey"
	CodeRateLimit           Code = "rate-limit"
	CodeBlocked             Code = "blocked"
)

// Display is the message/action pair shown to the user for an error
type Display struct {
	Message string `json:"message" yaml:"message"`
	Action  string `json:"action" yaml:"action"`
}

// Fallback is returned for codes without a dedicated entry
var Fallback = Display{
	Message: "An error occurred",
	Action:  "Please try again or contact support",
}

var displays = map[Code]Display{
	CodeNetworkError: {
		Message: "Network issue detected",
		Action:  "Check your internet connection and try again",
	},
	CodeVerificationExpired: {
		Message: "Verification expired",
		Action:  "Please retry verification",
	},
	CodeBrowserUnsupported: {
		Message: "Browser not supported",
		Action:  "Enable JavaScript or use a modern browser",
	},
	CodeVerificationFailed: {
		Message: "Verification failed",
		Action:  "Please complete the verification again",
	},
	CodeTimeoutError: {
		Message: "Request timed out",
		Action:  "Please try again",
	},
	CodeInvalidSiteKey: {
		Message: "Invalid configuration",
		Action:  "Contact support about this error",
	},
	CodeRateLimit: {
		Message: "Too many attempts",
		Action:  "Please wait before trying again",
	},
	CodeBlocked: {
		Message: "Access blocked",
		Action:  "Contact support if you believe this is an error",
	},
}

var retryable = map[Code]bool{
	CodeNetworkError:        true,
	CodeVerificationExpired: true,
	CodeTimeoutError:        true,
	CodeRateLimit:           true,
}

// known keeps a stable order for listings
var known = []Code{
	CodeNetworkError,
	CodeVerificationExpired,
	CodeBrowserUnsupported,
	CodeVerificationFailed,
	CodeTimeoutError,
	CodeInvalidSiteKey,
	CodeRateLimit,
	CodeBlocked,
}

// Lookup returns the display pair for code, or Fallback when unknown
func Lookup(code Code) Display {
	if d, ok := displays[code]; ok {
		return d
	}
	return Fallback
}

// IsRetryable reports whether an automatic retry makes sense for code
func IsRetryable(code Code) bool {
	return retryable[code]
}

// Known returns every code with a dedicated display entry
func Known() []Code {
	out := make([]Code, len(known))
	copy(out, known)
	return out
}

// ErrConfig is matched by every *ConfigError
var ErrConfig = errors.New("invalid challenge configuration")

// ConfigError reports a missing or invalid option at construction time
type ConfigError struct {
	Field  string
	Reason string
}

// Error implements error interface
func (e *ConfigError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("%s is required", e.Field)
}

// Is makes errors.Is(err, ErrConfig) hold for any ConfigError
func (e *ConfigError) Is(target error) bool {
	return target == ErrConfig
}
