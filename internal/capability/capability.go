// Package capability implements the UCAN-style scoped authorization and
// Ed25519 signing that every commit passes through. Claims are issued and
// checked as Ed25519-signed capability tokens via
// github.com/golang-jwt/jwt/v5.
package capability

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/commontoolsinc/reactor/internal/cell"
)

var log = logrus.WithField("component", "capability")

// Claims is the delegated capability embedded in a signed token: who issued
// it, who may invoke it, and which cells it authorizes writes to.
type Claims struct {
	Resources []string `json:"resources"`
	jwt.RegisteredClaims
}

// GenerateKeyPair is a convenience wrapper for tests and local embedding
// that don't yet have a real key management collaborator.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// Signer issues signed capability tokens scoped to a commit's write set.
type Signer struct {
	priv   ed25519.PrivateKey
	keyID  string
	issuer string
}

// NewSigner constructs a Signer. keyID is embedded in the token header so a
// verifier holding multiple public keys can select the right one.
func NewSigner(priv ed25519.PrivateKey, keyID, issuer string) *Signer {
	return &Signer{priv: priv, keyID: keyID, issuer: issuer}
}

// Issue mints a token authorizing audience to write the given resources
// (exact cell identities, or a "prefix*" glob) until ttl elapses.
func (s *Signer) Issue(audience string, resources []string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Resources: resources,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{audience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = s.keyID

	signed, err := token.SignedString(s.priv)
	if err != nil {
		return "", fmt.Errorf("sign capability: %w", err)
	}
	return signed, nil
}

// Verifier checks capability tokens against the write set a commit is
// attempting, allowing a 5-minute clock-skew tolerance between issuer and
// verifier clocks.
type Verifier struct {
	pub  ed25519.PublicKey
	skew time.Duration
}

// NewVerifier constructs a Verifier for the given public key, with a
// 5-minute clock-skew tolerance.
func NewVerifier(pub ed25519.PublicKey) *Verifier {
	return &Verifier{pub: pub, skew: 5 * time.Minute}
}

// Authorize verifies tokenString and confirms its resources cover every
// cell in writes. Returns the parsed claims on success.
func (v *Verifier) Authorize(tokenString string, writes []cell.ID) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.pub, nil
	}, jwt.WithLeeway(v.skew))
	if err != nil {
		log.WithError(err).Warn("capability verification failed")
		return nil, fmt.Errorf("capability verification failed: %w", err)
	}
	if !parsed.Valid {
		return nil, errors.New("capability token invalid")
	}

	for _, id := range writes {
		if !coversResource(claims.Resources, id) {
			return nil, fmt.Errorf("capability does not authorize write to cell %q", id)
		}
	}
	return claims, nil
}

func coversResource(resources []string, id cell.ID) bool {
	target := string(id)
	for _, r := range resources {
		if r == "*" || r == target {
			return true
		}
		if strings.HasSuffix(r, "*") && strings.HasPrefix(target, strings.TrimSuffix(r, "*")) {
			return true
		}
	}
	return false
}

// FingerprintEquals compares two key fingerprints in constant time.
func FingerprintEquals(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
