// Package auth parses the API-key credentials the node API accepts.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// scheme is the Authorization scheme the node API uses. Agents calling the
// callback routes send no credentials; this only guards the operator API.
const scheme = "Key "

var (
	// ErrMissingKey indicates that no usable key was presented.
	ErrMissingKey = errors.New("missing API key")
	// ErrInvalidPrefix indicates the Authorization header used another scheme.
	ErrInvalidPrefix = errors.New("invalid authorization prefix")
)

// ExtractKey pulls the API key out of a request's Authorization header.
func ExtractKey(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", ErrMissingKey
	}
	key, ok := strings.CutPrefix(header, scheme)
	if !ok {
		return "", ErrInvalidPrefix
	}
	if key == "" {
		return "", ErrMissingKey
	}
	return key, nil
}
