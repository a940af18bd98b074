package catalog

import (
	"errors"
	"fmt"
)

// ErrInvalidArgument is returned before any request when a required argument is blank.
var ErrInvalidArgument = errors.New("invalid argument")

// AuthenticationError is returned for 401 and 403 responses.
type AuthenticationError struct {
	StatusCode int
	Body       string
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("catalog authentication failed: status=%d body=%s", e.StatusCode, e.Body)
}

// RegistrationError wraps a failed catalog registration.
type RegistrationError struct {
	StatusCode int
	Body       string
}

func (e *RegistrationError) Error() string {
	return fmt.Sprintf("catalog registration failed: status=%d body=%s", e.StatusCode, e.Body)
}

// UploadError wraps a failed version upload.
type UploadError struct {
	StatusCode int
	Body       string
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("catalog version upload failed: status=%d body=%s", e.StatusCode, e.Body)
}

// VersionAlreadyExistsError is returned when the uploaded version is already
// registered. Callers treat it as recoverable.
type VersionAlreadyExistsError struct {
	Version string
}

func (e *VersionAlreadyExistsError) Error() string {
	return fmt.Sprintf("version %s already exists in the catalog", e.Version)
}

// DownloadError wraps a failed catalog download.
type DownloadError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("catalog download failed: %v", e.Err)
	}
	return fmt.Sprintf("catalog download failed: status=%d body=%s", e.StatusCode, e.Body)
}

func (e *DownloadError) Unwrap() error { return e.Err }
