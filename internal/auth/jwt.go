package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// accessTokenDuration is the lifetime of an access token. Tokens are
// minted out of band (cmd/seed or an external issuer); there is no
// refresh endpoint, so the window is generous.
const accessTokenDuration = 12 * time.Hour

const rsaKeyBits = 2048

// Claims is the payload of an Overseer access token. Standard fields
// (exp, iat, iss, sub) ride in jwt.RegisteredClaims.
type Claims struct {
	jwt.RegisteredClaims

	UserID string `json:"uid"`

	// OrgID scopes every query the token can make. A token never reads
	// or writes rows belonging to another org.
	OrgID string `json:"org"`

	// Role as of issuance. A role change takes effect on the next token.
	Role string `json:"role"`
}

// JWTManager signs and verifies RS256 access tokens with an in-memory
// RSA key pair.
type JWTManager struct {
	privateKey *rsa.PrivateKey
	publicKey  *rsa.PublicKey
	issuer     string
}

// NewJWTManagerFromFiles builds a manager from PEM key files, the mode
// used in production where keys are mounted as secrets. The private key
// may be PKCS#1 or PKCS#8.
func NewJWTManagerFromFiles(privateKeyPath, publicKeyPath, issuer string) (*JWTManager, error) {
	privPEM, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading private key file: %w", err)
	}
	pubPEM, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("auth: reading public key file: %w", err)
	}
	return newJWTManagerFromPEM(privPEM, pubPEM, issuer)
}

// NewJWTManagerGenerated builds a manager around a freshly generated key
// pair. The keys live only in memory, so a restart invalidates every
// outstanding token. Meant for development and single-instance setups.
func NewJWTManagerGenerated(issuer string) (*JWTManager, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("auth: generating RSA key pair: %w", err)
	}
	return &JWTManager{privateKey: key, publicKey: &key.PublicKey, issuer: issuer}, nil
}

func newJWTManagerFromPEM(privatePEM, publicPEM []byte, issuer string) (*JWTManager, error) {
	privateKey, err := parsePrivateKey(privatePEM)
	if err != nil {
		return nil, err
	}

	pubBlock, _ := pem.Decode(publicPEM)
	if pubBlock == nil {
		return nil, errors.New("auth: failed to decode public key PEM block")
	}
	parsed, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("auth: parsing public key: %w", err)
	}
	publicKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("auth: public key is not an RSA key")
	}

	return &JWTManager{privateKey: privateKey, publicKey: publicKey, issuer: issuer}, nil
}

func parsePrivateKey(privatePEM []byte) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode(privatePEM)
	if block == nil {
		return nil, errors.New("auth: failed to decode private key PEM block")
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#1 private key: %w", err)
		}
		return key, nil
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("auth: parsing PKCS#8 private key: %w", err)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("auth: PKCS#8 key is not an RSA key")
		}
		return rsaKey, nil
	default:
		return nil, fmt.Errorf("auth: unsupported private key PEM type: %s", block.Type)
	}
}

// GenerateAccessToken signs a token for the given user, org and role.
func (m *JWTManager) GenerateAccessToken(userID, orgID, role string) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenDuration)),
			// Unique per token, in case a revocation denylist is added.
			ID: uuid.NewString(),
		},
		UserID: userID,
		OrgID:  orgID,
		Role:   role,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("auth: signing access token: %w", err)
	}
	return signed, nil
}

// ValidateAccessToken verifies the signature, issuer and expiry and
// returns the claims. Expired tokens come back as ErrTokenExpired;
// everything else wrong with a token is ErrTokenInvalid.
func (m *JWTManager) ValidateAccessToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(
		tokenString,
		&Claims{},
		func(t *jwt.Token) (any, error) {
			// Only RS256. Accepting whatever the header claims opens the
			// door to alg:none and HMAC key confusion.
			if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
			}
			return m.publicKey, nil
		},
		jwt.WithIssuer(m.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// PublicKeyPEM returns the verification key in PKIX PEM form, for
// handing to other services that need to validate tokens.
func (m *JWTManager) PublicKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(m.publicKey)
	if err != nil {
		return nil, fmt.Errorf("auth: marshaling public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}
