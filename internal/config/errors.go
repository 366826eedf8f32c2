package config

import "errors"

var (
	// ErrConfigNotFound is returned when no config file exists at the
	// requested path.
	ErrConfigNotFound = errors.New("config file not found")

	// ErrInvalidKeySource describes inline private key bytes that are
	// present but fail to parse. identity.Load does not return it: it falls
	// back to the key file (or a new key) when the inline bytes are invalid.
	ErrInvalidKeySource = errors.New("invalid private key source")
)
