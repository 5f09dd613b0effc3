// Package turnstub is a deliberately partial STUN/TURN helper: a header
// codec for the STUN binding request/response pair and a long-term
// credential issuer, matching the stub the spec's source carries (no real
// relay allocation, no NAT traversal). It exists so BootstrapConfig's
// optional TURN fields have somewhere to plug in, not as a production TURN
// client.
package turnstub

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// magicCookie is the fixed STUN magic cookie (RFC 5389 §6).
const magicCookie = 0x2112A442

const headerSize = 20

// MessageType identifies a STUN message's method and class.
type MessageType uint16

const (
	BindingRequest         MessageType = 0x0001
	BindingSuccessResponse MessageType = 0x0101
	BindingErrorResponse   MessageType = 0x0111
)

var ErrShortHeader = errors.New("turnstub: message shorter than stun header")
var ErrBadCookie = errors.New("turnstub: magic cookie mismatch")

// Header is the fixed 20-byte STUN message header.
type Header struct {
	Type          MessageType
	Length        uint16
	TransactionID [12]byte
}

// BuildBindingRequest produces a 20-byte STUN binding request with a fresh
// random transaction ID and no attributes — enough to probe whether
// something STUN-shaped answers on the other end.
func BuildBindingRequest() ([]byte, error) {
	var txID [12]byte
	if _, err := rand.Read(txID[:]); err != nil {
		return nil, err
	}

	buf := make([]byte, headerSize)
	binary.BigEndian.PutUint16(buf[0:2], uint16(BindingRequest))
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], magicCookie)
	copy(buf[8:20], txID[:])
	return buf, nil
}

// ParseHeader decodes the 20-byte STUN header from the front of data,
// rejecting anything that isn't STUN-shaped. Attributes, if present, are
// left undecoded — this stub only needs to recognize the message.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < headerSize {
		return Header{}, ErrShortHeader
	}

	cookie := binary.BigEndian.Uint32(data[4:8])
	if cookie != magicCookie {
		return Header{}, ErrBadCookie
	}

	var h Header
	h.Type = MessageType(binary.BigEndian.Uint16(data[0:2]))
	h.Length = binary.BigEndian.Uint16(data[2:4])
	copy(h.TransactionID[:], data[8:20])
	return h, nil
}

// Credentials is a long-term STUN/TURN credential, RFC 5389 §10.2 style:
// username is "<expiry-unix>:<caller-supplied name>", password is an HMAC
// of that username keyed by the shared secret.
type Credentials struct {
	Username  string
	Password  string
	ExpiresAt time.Time
}

// credentialLifetime is how long an issued credential remains valid before
// a caller must request a fresh one.
const credentialLifetime = 24 * time.Hour

// refreshRatio is the fraction of credentialLifetime elapsed before
// ShouldRefresh reports true, matching the source's 0.8 default.
const refreshRatio = 0.8

// IssueCredentials mints a long-term credential for name, HMAC-signed with
// secret. secret is the shared TURN realm secret; it is never transmitted.
func IssueCredentials(secret []byte, name string) (Credentials, error) {
	if len(secret) == 0 {
		return Credentials{}, errors.New("turnstub: empty secret")
	}

	expiresAt := time.Now().Add(credentialLifetime)
	username := fmt.Sprintf("%d:%s", expiresAt.Unix(), name)

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(username))
	password := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	return Credentials{Username: username, Password: password, ExpiresAt: expiresAt}, nil
}

// ShouldRefresh reports whether creds has crossed refreshRatio of its
// lifetime, or already expired.
func ShouldRefresh(creds Credentials) bool {
	remaining := time.Until(creds.ExpiresAt)
	if remaining <= 0 {
		return true
	}

	elapsed := float64(credentialLifetime) - float64(remaining)
	return elapsed >= float64(credentialLifetime)*refreshRatio
}

// VerifyCredentials recomputes the password for the username embedded in
// creds and reports whether it matches, rejecting expired credentials.
func VerifyCredentials(secret []byte, creds Credentials) bool {
	if time.Now().Unix() > creds.ExpiresAt.Unix() {
		return false
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(creds.Username))
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(creds.Password))
}
