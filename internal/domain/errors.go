package domain

import "errors"

var (
	// ErrValidation wraps input problems that have no sentinel of their own.
	ErrValidation = errors.New("validation failed")

	// ErrInvalidID is returned for a malformed job ID.
	ErrInvalidID = errors.New("invalid ID")

	// ErrEmptyExtractedText is returned when extraction produced no usable text.
	ErrEmptyExtractedText = errors.New("extracted text cannot be empty")
)
