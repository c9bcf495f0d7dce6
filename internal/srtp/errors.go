// Copyright 2019 Lanikai Labs. All rights reserved.

package srtp

import "errors"

var (
	errBadKeyLength         = errors.New("srtp: master key must be 16 bytes")
	errBadSaltLength        = errors.New("srtp: master salt must be 14 bytes")
	errPacketTooShort       = errors.New("srtp: packet too short for authentication tag")
	errReplayed             = errors.New("srtp: packet failed replay check")
	errAuthenticationFailed = errors.New("srtp: authentication tag mismatch")
)
