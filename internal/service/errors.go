package service

import "errors"

// Sentinel errors shared across the service layer's error funnel.
var (
	// ErrNotFound is returned by repositories when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrForbidden is returned when a caller is not a member of the workspace.
	ErrForbidden = errors.New("forbidden")
	// ErrCancelled is returned when a session's context was cancelled.
	ErrCancelled = errors.New("cancelled")
)
