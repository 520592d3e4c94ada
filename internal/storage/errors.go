package storage

import "errors"

var (
	// ErrPostNotFound is returned when a post does not exist
	ErrPostNotFound = errors.New("post not found")

	// ErrDuplicatePost is returned when creating a post whose id already exists
	ErrDuplicatePost = errors.New("duplicate post")

	// ErrClaimLost is returned when saving a post whose claim is no longer held
	ErrClaimLost = errors.New("post claim lost")

	// ErrInvalidTransition is returned when a save would break the status state machine
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrContentNotFound is returned when a content reference cannot be resolved
	ErrContentNotFound = errors.New("content not found")
)
