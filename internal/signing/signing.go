// Package signing produces the per-request signature headers that
// authenticate calls made with a session credential.
package signing

import (
	"encoding/hex"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"backendlink/internal/credential"
	"backendlink/internal/endpoint"
)

const (
	HeaderSession   = "X-Session-Token"
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
)

const defaultKeyContext = "backendlink 2026 request signing v1"

var ErrMissingCredential = errors.New("signing: session token missing")

// Request is the part of an outgoing request covered by the signature.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Body   []byte
}

// Signed carries the headers to attach to the request.
type Signed struct {
	Headers http.Header
}

// Apply copies the signature headers onto h, replacing existing values.
func (s Signed) Apply(h http.Header) {
	for key, values := range s.Headers {
		h.Del(key)
		for _, value := range values {
			h.Add(key, value)
		}
	}
}

// Signer must be pure: equal inputs yield equal output, with no side effects.
type Signer interface {
	Sign(req Request, cred credential.Credential, at time.Time) (Signed, error)
}

// KeyedSigner signs with a BLAKE3 keyed MAC whose key is derived from the
// session token.
type KeyedSigner struct {
	// KeyContext separates signatures of different applications sharing a backend.
	KeyContext string
}

func (s KeyedSigner) Sign(req Request, cred credential.Credential, at time.Time) (Signed, error) {
	token := strings.TrimSpace(cred.SessionToken)
	if token == "" {
		return Signed{}, ErrMissingCredential
	}
	keyContext := s.KeyContext
	if keyContext == "" {
		keyContext = defaultKeyContext
	}
	key := make([]byte, 32)
	blake3.DeriveKey(keyContext, []byte(token), key)
	mac, err := blake3.NewKeyed(key)
	if err != nil {
		return Signed{}, err
	}
	timestamp := strconv.FormatInt(at.UTC().Unix(), 10)
	_, _ = mac.Write([]byte(CanonicalString(req, timestamp)))
	signature := hex.EncodeToString(mac.Sum(nil))

	headers := http.Header{}
	headers.Set(HeaderSession, token)
	headers.Set(HeaderTimestamp, timestamp)
	headers.Set(HeaderSignature, signature)
	return Signed{Headers: headers}, nil
}

// CanonicalString is the newline-joined material covered by a signature:
// method, path, canonical query, body digest, timestamp.
func CanonicalString(req Request, timestamp string) string {
	bodySum := blake3.Sum256(req.Body)
	return strings.Join([]string{
		strings.ToUpper(req.Method),
		endpoint.Normalize(req.Path),
		endpoint.CanonicalQuery(req.Query),
		hex.EncodeToString(bodySum[:]),
		timestamp,
	}, "\n")
}
