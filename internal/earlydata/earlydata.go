// Package earlydata decodes the base64 payload carried in the
// Sec-WebSocket-Protocol header into the bytes that open the ingress
// byte stream, ahead of anything the WebSocket itself delivers.
//
// Grounded on advLayer/ws/server.go's ProtocolCustom callback, which
// performs the same decode during the gobwas upgrade.
package earlydata

import (
	"encoding/base64"
	"strings"
)

// Decode decodes header as URL-safe base64 ('-' -> '+', '_' -> '/'),
// with or without trailing '=' padding. An empty header yields an empty,
// non-nil buffer and no error.
func Decode(header string) ([]byte, error) {
	if header == "" {
		return []byte{}, nil
	}
	return base64.RawURLEncoding.DecodeString(strings.TrimRight(header, "="))
}
