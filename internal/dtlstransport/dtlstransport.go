// Package dtlstransport wraps github.com/pion/dtls/v3 with the pieces a
// WebRTC peer connection needs around it: an ephemeral self-signed identity
// certificate (RFC 8122), SHA-256 fingerprint computation/verification for
// the SDP a=fingerprint exchange, and SRTP/SRTCP keying material export via
// the "EXTRACTOR-dtls_srtp" label (RFC 5764 §4.2).
package dtlstransport

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"strings"
	"time"

	"github.com/pion/dtls/v3"

	"github.com/lanikai/rtcore/internal/srtp"
)

const (
	srtpKeyLen      = 16
	srtpSaltLen     = 14
	srtpMaterialLen = 2*srtpKeyLen + 2*srtpSaltLen

	certValidity = 30 * 24 * time.Hour
)

// Certificate is the local DTLS identity: a self-signed ECDSA certificate
// plus its SHA-256 fingerprint, formatted the way it belongs in an SDP
// a=fingerprint attribute (colon-delimited uppercase hex).
type Certificate struct {
	tls.Certificate
	Fingerprint string
}

// GenerateSelfSigned creates a fresh P-256 ECDSA certificate, good for 30
// days, matching what browsers generate for their own WebRTC identity: the
// certificate's subject is never checked by the peer, only its fingerprint.
func GenerateSelfSigned() (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	template := x509.Certificate{
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: "rtcore"},
		NotBefore:          now.Add(-time.Hour),
		NotAfter:           now.Add(certValidity),
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, err
	}

	sum := sha256.Sum256(der)
	return &Certificate{
		Certificate: tls.Certificate{
			Certificate: [][]byte{der},
			PrivateKey:  priv,
		},
		Fingerprint: fingerprintHex(sum[:]),
	}, nil
}

func fingerprintHex(sum []byte) string {
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// Transport is an established DTLS connection over an ICE data connection,
// ready to export SRTP keying material.
type Transport struct {
	conn *dtls.Conn
}

// Handshake runs the DTLS handshake over netConn, which is normally the ICE
// mux's DTLS-matched endpoint. active selects the DTLS client role
// (a=setup:active) versus the server role (a=setup:passive); by convention
// the ICE-controlling agent offers active/passive and plays client.
func Handshake(netConn net.Conn, cert *Certificate, active bool) (*Transport, error) {
	cfg := &dtls.Config{
		Certificates: []tls.Certificate{cert.Certificate},
		// The peer's certificate is self-signed and carries no CA chain;
		// authenticity comes from matching its fingerprint against the one
		// carried in the signaled SDP, not from certificate verification.
		InsecureSkipVerify: true,
	}

	var conn *dtls.Conn
	var err error
	if active {
		conn, err = dtls.Client(netConn, cfg)
	} else {
		conn, err = dtls.Server(netConn, cfg)
	}
	if err != nil {
		return nil, err
	}
	return &Transport{conn: conn}, nil
}

// VerifyFingerprint checks the remote certificate presented during the
// handshake against the fingerprint advertised in the remote SDP's
// a=fingerprint attribute.
func (t *Transport) VerifyFingerprint(remoteFingerprint string) error {
	state := t.conn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return fmt.Errorf("dtlstransport: no peer certificate presented")
	}
	sum := sha256.Sum256(state.PeerCertificates[0])
	got := fingerprintHex(sum[:])

	want := strings.ToUpper(strings.TrimSpace(remoteFingerprint))
	want = strings.TrimPrefix(want, "SHA-256 ")
	if got != want {
		return fmt.Errorf("dtlstransport: fingerprint mismatch: got %s, want %s", got, want)
	}
	return nil
}

// SRTPKeys holds the four SRTP/SRTCP key material components derived from
// the DTLS-SRTP exporter, oriented for this side's send and receive
// directions.
type SRTPKeys struct {
	WriteKey, WriteSalt []byte
	ReadKey, ReadSalt   []byte
}

// SRTPKeys exports SRTP keying material via RFC 5764 §4.2 and splits it
// into this side's write (local) and read (remote) key/salt pairs. The
// exporter always yields client_write_key || server_write_key ||
// client_write_salt || server_write_salt regardless of role, so the split
// depends on whether this side played the DTLS client.
func (t *Transport) SRTPKeys(clientSide bool) (*SRTPKeys, error) {
	material, err := t.conn.ExportKeyingMaterial("EXTRACTOR-dtls_srtp", nil, srtpMaterialLen)
	if err != nil {
		return nil, err
	}

	clientKey := material[0:srtpKeyLen]
	serverKey := material[srtpKeyLen : 2*srtpKeyLen]
	clientSalt := material[2*srtpKeyLen : 2*srtpKeyLen+srtpSaltLen]
	serverSalt := material[2*srtpKeyLen+srtpSaltLen : srtpMaterialLen]

	keys := &SRTPKeys{}
	if clientSide {
		keys.WriteKey, keys.WriteSalt = clientKey, clientSalt
		keys.ReadKey, keys.ReadSalt = serverKey, serverSalt
	} else {
		keys.WriteKey, keys.WriteSalt = serverKey, serverSalt
		keys.ReadKey, keys.ReadSalt = clientKey, clientSalt
	}
	return keys, nil
}

// WriteContext builds the SRTP context for this side's outgoing stream.
func (k *SRTPKeys) WriteContext() (*srtp.Context, error) {
	return srtp.CreateContext(k.WriteKey, k.WriteSalt)
}

// ReadContext builds the SRTP context for this side's incoming stream.
func (k *SRTPKeys) ReadContext() (*srtp.Context, error) {
	return srtp.CreateContext(k.ReadKey, k.ReadSalt)
}

// NetConn returns the underlying net.Conn, so SCTP (and anything else
// multiplexed over the DTLS channel, per RFC 8261) can be layered on top.
func (t *Transport) NetConn() net.Conn { return t.conn }

func (t *Transport) Close() error { return t.conn.Close() }
