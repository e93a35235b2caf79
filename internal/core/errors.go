package core

import "errors"

var (
	// ErrInvalidConfig is returned when an account config is missing required fields
	ErrInvalidConfig = errors.New("invalid account config")
	// ErrDuplicateAccount is returned when an identity is already registered
	ErrDuplicateAccount = errors.New("account already registered")
	// ErrDuplicateRecord is returned by a RecordStore when the record ID already exists
	ErrDuplicateRecord = errors.New("record already stored")
	// ErrParse is returned when a raw message cannot be parsed
	ErrParse = errors.New("failed to parse message")
	// ErrNotFound is returned when a lookup has no result
	ErrNotFound = errors.New("not found")
	// ErrDuplicateMessage is returned when a message was already processed or is in flight
	ErrDuplicateMessage = errors.New("message already processed")
)
