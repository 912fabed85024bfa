package domain

import "errors"

// Stage-level errors. These abort the current stage; the pipeline decides
// whether to retry or fail the run. Per-record problems are Rejections, not
// errors.
var (
	// ErrSessionLaunch means the browser process could not be started at
	// all (missing binary, driver mismatch).
	ErrSessionLaunch = errors.New("browser session could not be launched")

	// ErrAuthentication means the post-login marker never appeared: bad
	// credentials, a CAPTCHA challenge, or a login-page layout change.
	ErrAuthentication = errors.New("authentication failed")

	// ErrNavigationTimeout means a target view did not become ready within
	// the bounded wait.
	ErrNavigationTimeout = errors.New("navigation timed out")

	// ErrSessionExpired means a navigation was redirected back to the login
	// form; the session is stale and a single re-authentication is allowed.
	ErrSessionExpired = errors.New("session expired")

	// ErrExtractionAborted means the listing layout changed so severely
	// that no rows could be parsed at all.
	ErrExtractionAborted = errors.New("extraction aborted: page structure unrecognizable")

	// ErrEndOfData is the extractor's pagination-exhausted signal.
	ErrEndOfData = errors.New("no more pages")

	// ErrPersistence wraps unrecoverable database errors for a batch.
	ErrPersistence = errors.New("persistence failed")

	// ErrRunInProgress is returned by the run lock when another run holds
	// the lease for the same portal account.
	ErrRunInProgress = errors.New("another run is already in progress")
)
