// Package auth mints and verifies the proof-of-possession tokens that
// identify a replica to the log service.
//
// A token is an ES256 JWT signed with the replica's private key. The
// matching public key travels in the "jwk" protected header, so the
// service needs no prior registration: the key is the identity. Tokens
// are short-lived (ReadTTL for pulls, WriteTTL for appends) and a fresh
// one is minted for every request.
package auth

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roach88/thekeeper/internal/keys"
)

const (
	// Audience is the aud claim every token carries.
	Audience = "thekeeper"

	// Issuer is the iss claim: tokens are self-issued.
	Issuer = "self"

	// ReadTTL bounds tokens used for GET /state.
	ReadTTL = 5 * time.Second

	// WriteTTL bounds tokens used for POST requests.
	WriteTTL = 30 * time.Second

	// Leeway is the clock skew the service tolerates.
	Leeway = 30 * time.Second
)

var (
	// ErrInvalidToken is wrapped by every verification failure.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidKey means the embedded JWK could not be used.
	ErrInvalidKey = errors.New("invalid public key")
)

// Clock abstracts time for token stamping.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }

// Authenticator mints tokens for a keypair.
type Authenticator struct {
	clock Clock
}

// New creates an Authenticator. A nil clock means SystemClock.
func New(clock Clock) *Authenticator {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Authenticator{clock: clock}
}

// Mint returns a compact ES256 JWT proving possession of kp.
func (a *Authenticator) Mint(kp keys.KeyPair, audience string, ttl time.Duration) (string, error) {
	if kp.Private == nil || kp.Public == nil {
		return "", fmt.Errorf("mint token: %w: missing keypair", ErrInvalidKey)
	}

	pub, err := keys.ExportPublicJWK(kp.Public)
	if err != nil {
		return "", fmt.Errorf("mint token: %w", err)
	}

	now := a.clock.Now().Truncate(time.Second)
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["jwk"] = pub

	signed, err := token.SignedString(kp.Private)
	if err != nil {
		return "", fmt.Errorf("mint token: sign: %w", err)
	}
	return signed, nil
}

// Claims are the verified claims of a token.
type Claims = jwt.RegisteredClaims

// VerifyOptions tune Verify. The zero value checks against Audience at
// the current wall clock time.
type VerifyOptions struct {
	Audience string
	Clock    Clock
}

// Verify checks a token's signature against the JWK in its own header and
// enforces the standard claims. It returns the proven public key.
func Verify(token string, opts VerifyOptions) (*ecdsa.PublicKey, Claims, error) {
	audience := opts.Audience
	if audience == "" {
		audience = Audience
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock{}
	}

	var pub *ecdsa.PublicKey
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		raw, ok := t.Header["jwk"]
		if !ok {
			return nil, fmt.Errorf("%w: missing jwk header", ErrInvalidKey)
		}
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		key, err := keys.ImportPublicJWK(data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
		}
		pub = key
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithIssuedAt(),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(Leeway),
		jwt.WithIssuer(Issuer),
		jwt.WithTimeFunc(clock.Now),
	)
	if err != nil {
		if errors.Is(err, ErrInvalidKey) {
			return nil, Claims{}, err
		}
		return nil, Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	return pub, claims, nil
}

// Fingerprint returns the X||Y bytes of pub, each coordinate left-padded
// to the curve size. It is the identity under which the log service
// records a key.
func Fingerprint(pub *ecdsa.PublicKey) []byte {
	size := (pub.Curve.Params().BitSize + 7) / 8
	b := make([]byte, 2*size)
	pub.X.FillBytes(b[:size])
	pub.Y.FillBytes(b[size:])
	return b
}
