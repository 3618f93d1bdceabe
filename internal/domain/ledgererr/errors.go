// Package ledgererr defines the error taxonomy shared by the registry, the
// access table, the record ledger and the gateway. Callers branch on these
// with errors.Is; every domain error wraps exactly one of them.
package ledgererr

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotOwner          = errors.New("caller is not the registered owner")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrUnknownPatient and ErrUnknownDoctor are both also ErrNotFound.
	ErrUnknownPatient = fmt.Errorf("unknown patient: %w", ErrNotFound)
	ErrUnknownDoctor  = fmt.Errorf("unknown doctor: %w", ErrNotFound)
)

const (
	MaxIDLength   = 128
	MaxTextLength = 256
)

// CleanID trims s and checks it is a usable identifier or address. Control
// characters are rejected since backends use them as key separators.
func CleanID(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", fmt.Errorf("%s is required: %w", field, ErrInvalidArgument)
	}
	if len(s) > MaxIDLength {
		return "", fmt.Errorf("%s exceeds %d bytes: %w", field, MaxIDLength, ErrInvalidArgument)
	}
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%s is not valid UTF-8: %w", field, ErrInvalidArgument)
	}
	if strings.IndexFunc(s, unicode.IsControl) >= 0 {
		return "", fmt.Errorf("%s contains control characters: %w", field, ErrInvalidArgument)
	}
	return s, nil
}

// CleanText trims s and enforces the free-text length limit. Empty is allowed.
func CleanText(field, s string) (string, error) {
	s = strings.TrimSpace(s)
	if len(s) > MaxTextLength {
		return "", fmt.Errorf("%s exceeds %d bytes: %w", field, MaxTextLength, ErrInvalidArgument)
	}
	return s, nil
}
