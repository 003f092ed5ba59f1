// Package dataurl encodes and decodes the base64 data URLs used to carry
// media between the browser page, the bridge and the responder.
package dataurl

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const prefix = "data:"

// ErrInvalid is returned for strings that are not base64 data URLs.
var ErrInvalid = errors.New("invalid data url")

// Encode returns data as a base64 data URL of the given mime type.
func Encode(mimeType string, data []byte) string {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	return prefix + mimeType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// Is reports whether s looks like a data URL.
func Is(s string) bool {
	return strings.HasPrefix(s, prefix)
}

// Decode splits a base64 data URL into its mime type and payload.
func Decode(s string) (string, []byte, error) {
	if !Is(s) {
		return "", nil, ErrInvalid
	}
	meta, payload, ok := strings.Cut(s[len(prefix):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload separator", ErrInvalid)
	}
	mimeType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalid)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return mimeType, data, nil
}

// Truncate shortens long payloads for logging.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "[...]"
}
