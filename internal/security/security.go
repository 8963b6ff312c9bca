// Package security mints and verifies the bearer token a Node Agent
// receives from RegisterNode and presents on ReportStatus. It is grounded on the
// reference codebase's internal/auth/service.go JWT issuance
// (golang-jwt/jwt/v5) and its bcrypt-hashed shared-secret comparison,
// generalized from a user/role login service to a single
// cluster-wide shared secret minting one token per node rather than
// per user.
package security

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Claims identifies the node a bearer token was minted for.
type Claims struct {
	NodeID string `json:"node_id"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies node bearer tokens against one
// cluster-wide shared secret. A bcrypt hash of the secret is kept to
// support VerifySecret, which rpc.SharedSecretAuth calls on
// RegisterNode and on every Control-Plane → Agent call; node-token
// calls use only VerifyToken's HMAC check, which is why jwtSecret is
// kept separately from secretHash rather than re-derived from it.
type Issuer struct {
	jwtSecret  []byte
	secretHash []byte
	ttl        time.Duration
}

// Config configures an Issuer. Secret is the cluster shared secret
// every Node Agent is configured with out of band; if empty a random
// one is generated, matching the reference codebase's behavior when
// no JWT secret is configured.
type Config struct {
	Secret string
	TTL    time.Duration
}

func NewIssuer(cfg Config) (*Issuer, error) {
	secretBytes := []byte(cfg.Secret)
	if len(secretBytes) == 0 {
		secretBytes = make([]byte, 32)
		if _, err := rand.Read(secretBytes); err != nil {
			return nil, fmt.Errorf("generating shared secret: %w", err)
		}
	}
	hash, err := bcrypt.GenerateFromPassword(secretBytes, bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing shared secret: %w", err)
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Issuer{jwtSecret: secretBytes, secretHash: hash, ttl: ttl}, nil
}

// MintNodeToken issues the bearer token returned by RegisterNode, which
// a Node Agent then attaches to ReportStatus and RegisterProvider calls.
func (i *Issuer) MintNodeToken(nodeID string) (string, error) {
	now := time.Now()
	claims := Claims{
		NodeID: nodeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.jwtSecret)
}

// VerifyToken parses and validates tokenStr, returning the node_id it
// was minted for.
func (i *Issuer) VerifyToken(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.jwtSecret, nil
	})
	if err != nil {
		return "", err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("invalid token")
	}
	return claims.NodeID, nil
}

// VerifySecret reports whether candidate matches the configured
// shared secret; rpc.SharedSecretAuth uses it to check bearer tokens.
func (i *Issuer) VerifySecret(candidate string) bool {
	return bcrypt.CompareHashAndPassword(i.secretHash, []byte(candidate)) == nil
}
