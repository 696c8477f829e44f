// Package actortoken verifies ES256 JWTs used to label privileged
// operations with an actor identity (in internal/api, only session
// termination checks one), narrowly scoped: it is not a general
// auth layer, only an actor-attribution check for the audit trail and
// owner-only operations.
//
// Grounded in internal/relay/jwt.go's IssueWingJWT/ValidateWingJWT pair,
// trimmed to verification only (this server never issues its own tokens —
// actor tokens are minted by whatever identity system fronts it) and to a
// single ActorClaims shape instead of the teacher's Wing/Handoff split.
package actortoken

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ActorClaims identifies who requested a privileged operation.
type ActorClaims struct {
	jwt.RegisteredClaims
	ActorID string `json:"actor_id,omitempty"`
	Role    string `json:"role,omitempty"`
}

// ParsePublicKey accepts a PEM or base64-encoded DER P-256 public key, the
// format the daemon's jwt_public_key config value is expected to hold.
func ParsePublicKey(data string) (*ecdsa.PublicKey, error) {
	if data == "" {
		return nil, fmt.Errorf("actortoken: empty public key")
	}
	if block, _ := pem.Decode([]byte(data)); block != nil {
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("actortoken: parse pem public key: %w", err)
		}
		ecPub, ok := pub.(*ecdsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("actortoken: public key is not ECDSA")
		}
		return ecPub, nil
	}

	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("actortoken: decode base64 public key: %w", err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("actortoken: parse der public key: %w", err)
	}
	ecPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("actortoken: public key is not ECDSA")
	}
	return ecPub, nil
}

// Verifier holds the one public key this daemon trusts for actor tokens.
type Verifier struct {
	pub *ecdsa.PublicKey
}

func NewVerifier(pub *ecdsa.PublicKey) *Verifier {
	return &Verifier{pub: pub}
}

// Verify checks signature, expiry, and algorithm, returning the actor claims
// on success.
func (v *Verifier) Verify(tokenString string) (*ActorClaims, error) {
	if v.pub == nil {
		return nil, fmt.Errorf("actortoken: no public key configured")
	}
	token, err := jwt.ParseWithClaims(tokenString, &ActorClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodECDSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.pub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("actortoken: parse: %w", err)
	}
	claims, ok := token.Claims.(*ActorClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("actortoken: invalid claims")
	}
	if claims.ActorID == "" {
		return nil, fmt.Errorf("actortoken: missing actor_id claim")
	}
	return claims, nil
}
