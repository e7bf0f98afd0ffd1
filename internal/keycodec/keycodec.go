// Package keycodec converts base64url-encoded key material into the raw
// bytes the push subscription API expects as an application server key.
package keycodec

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Decode converts a base64url string (unpadded, "-"/"_" alphabet) into raw
// bytes. The input is padded back to a multiple of four characters and
// translated to the standard alphabet before decoding, so both padded and
// unpadded inputs are accepted. Input containing characters outside the
// base64url alphabet fails with a decode error; the caller should treat that
// as a configuration problem, not a transient fault.
func Decode(s string) ([]byte, error) {
	padded := s + strings.Repeat("=", (4-len(s)%4)%4)
	std := strings.NewReplacer("-", "+", "_", "/").Replace(padded)

	raw, err := base64.StdEncoding.DecodeString(std)
	if err != nil {
		return nil, fmt.Errorf("decode base64url key: %w", err)
	}
	return raw, nil
}
