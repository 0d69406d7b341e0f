package schemas

import "errors"

// Job-level and target-level failure kinds. Callers wrap these with %w and
// match them with errors.Is.
var (
	ErrAuthorizationDenied    = errors.New("user is not authorized")
	ErrDatasetUnavailable     = errors.New("target dataset unavailable")
	ErrAgentAcquisitionFailed = errors.New("browser agent could not be acquired")
	ErrCaptchaCaptureFailed   = errors.New("captcha image could not be captured")
	ErrAuthenticationFailed   = errors.New("portal login failed")
	ErrSubmissionFailed       = errors.New("target submission failed")
	ErrDownloadTimeout        = errors.New("download did not complete in time")
	ErrPackagingFailed        = errors.New("artifacts could not be packaged")
	ErrSessionExpired         = errors.New("session expired")

	// ErrAgentUnusable marks an agent whose browser has gone away. Retrying
	// against it is pointless, the job must abort.
	ErrAgentUnusable = errors.New("browser agent is no longer usable")
)

// Credentials are the portal login pair.
type Credentials struct {
	Username string `json:"username"`
	Password string `json:"-"`
}
