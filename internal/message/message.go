// Package message loads the plain-text email body.
package message

import (
	"errors"
	"fmt"
	"os"
	"unicode/utf8"
)

// ErrIO reports a message file that could not be read or decoded.
var ErrIO = errors.New("failed to load message")

// Load returns the contents of the UTF-8 text file at path, unmodified.
func Load(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrIO, err)
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8", ErrIO, path)
	}
	return string(data), nil
}
