package sctp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"
)

const cookieLifetime = 60 * time.Second

// makeCookie builds the MAC-signed STATE-COOKIE carried in INIT-ACK, per
// RFC 4960 §5.1.3: everything the server needs to reconstruct the
// association is embedded in the cookie itself and authenticated with a
// per-listener secret, so Established state is only reached once the client
// echoes back a cookie this server actually minted.
func makeCookie(secret []byte, localTag, remoteTag, localInitialTSN, remoteInitialTSN uint32) []byte {
	body := make([]byte, 24)
	binary.BigEndian.PutUint32(body[0:4], localTag)
	binary.BigEndian.PutUint32(body[4:8], remoteTag)
	binary.BigEndian.PutUint32(body[8:12], localInitialTSN)
	binary.BigEndian.PutUint32(body[12:16], remoteInitialTSN)
	binary.BigEndian.PutUint64(body[16:24], uint64(time.Now().Add(cookieLifetime).UnixNano()))

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return append(body, mac.Sum(nil)...)
}

type cookieFields struct {
	localTag, remoteTag               uint32
	localInitialTSN, remoteInitialTSN uint32
	expiresAt                         time.Time
}

func verifyCookie(secret, cookie []byte) (cookieFields, error) {
	if len(cookie) < 24+sha256.Size {
		return cookieFields{}, errCookieInvalid
	}
	body, mac := cookie[:24], cookie[24:24+sha256.Size]

	expected := hmac.New(sha256.New, secret)
	expected.Write(body)
	if !hmac.Equal(expected.Sum(nil), mac) {
		return cookieFields{}, errCookieInvalid
	}

	f := cookieFields{
		localTag:         binary.BigEndian.Uint32(body[0:4]),
		remoteTag:        binary.BigEndian.Uint32(body[4:8]),
		localInitialTSN:  binary.BigEndian.Uint32(body[8:12]),
		remoteInitialTSN: binary.BigEndian.Uint32(body[12:16]),
		expiresAt:        time.Unix(0, int64(binary.BigEndian.Uint64(body[16:24]))),
	}
	if time.Now().After(f.expiresAt) {
		return cookieFields{}, errCookieInvalid
	}
	return f, nil
}

func randomUint32() uint32 {
	var b [4]byte
	rand.Read(b[:])
	return binary.BigEndian.Uint32(b[:])
}

func randomSecret() []byte {
	b := make([]byte, 32)
	rand.Read(b)
	return b
}
