package service

import "errors"

var (
	ErrNotFound          = errors.New("publication not found")
	ErrNotScheduled      = errors.New("publication is not scheduled")
	ErrNotPublished      = errors.New("publication is not published")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidRequest    = errors.New("invalid request")

	// ErrCredential and ErrContent are terminal send failures.
	ErrCredential = errors.New("credential expired or missing")
	ErrContent    = errors.New("content unavailable")
)
