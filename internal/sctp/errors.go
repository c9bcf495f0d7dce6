package sctp

import "errors"

var (
	errPacketTooShort  = errors.New("sctp: packet shorter than common header")
	errChecksumInvalid = errors.New("sctp: checksum mismatch")
	errChunkTooShort   = errors.New("sctp: chunk shorter than its declared length")
	errCookieInvalid   = errors.New("sctp: state cookie failed verification")
	errNotEstablished  = errors.New("sctp: association is not established")
	errAssociationDone = errors.New("sctp: association is closed")
	errStreamUnknown   = errors.New("sctp: unknown stream id")
)
