package keys

import (
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lestrrat-go/jwx/jwk"
)

// ErrInvalidKey is wrapped by every JWK import failure.
var ErrInvalidKey = errors.New("invalid key")

// Export encodes both halves of priv as JWK JSON.
func Export(priv *ecdsa.PrivateKey) (Exported, error) {
	pub, err := ExportPublicJWK(&priv.PublicKey)
	if err != nil {
		return Exported{}, err
	}

	key, err := jwk.New(priv)
	if err != nil {
		return Exported{}, fmt.Errorf("export private jwk: %w", err)
	}
	private, err := json.Marshal(key)
	if err != nil {
		return Exported{}, fmt.Errorf("export private jwk: %w", err)
	}

	return Exported{Public: pub, Private: private}, nil
}

// ExportPublicJWK encodes pub as JWK JSON.
func ExportPublicJWK(pub *ecdsa.PublicKey) (json.RawMessage, error) {
	key, err := jwk.New(pub)
	if err != nil {
		return nil, fmt.Errorf("export public jwk: %w", err)
	}
	data, err := json.Marshal(key)
	if err != nil {
		return nil, fmt.Errorf("export public jwk: %w", err)
	}
	return data, nil
}

// ImportPublicJWK decodes a P-256 public key from JWK JSON.
func ImportPublicJWK(raw []byte) (*ecdsa.PublicKey, error) {
	key, err := jwk.ParseKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: parse jwk: %v", ErrInvalidKey, err)
	}
	ecKey, ok := key.(jwk.ECDSAPublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: jwk is %T, not an EC public key", ErrInvalidKey, key)
	}

	var pub ecdsa.PublicKey
	if err := ecKey.Raw(&pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := checkCurve(&pub); err != nil {
		return nil, err
	}
	return &pub, nil
}

// Import decodes an exported pair and checks that both halves belong
// together.
func Import(exp Exported) (KeyPair, error) {
	key, err := jwk.ParseKey(exp.Private)
	if err != nil {
		return KeyPair{}, fmt.Errorf("%w: parse private jwk: %v", ErrInvalidKey, err)
	}
	ecKey, ok := key.(jwk.ECDSAPrivateKey)
	if !ok {
		return KeyPair{}, fmt.Errorf("%w: private jwk is %T, not an EC private key", ErrInvalidKey, key)
	}

	var priv ecdsa.PrivateKey
	if err := ecKey.Raw(&priv); err != nil {
		return KeyPair{}, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if err := checkCurve(&priv.PublicKey); err != nil {
		return KeyPair{}, err
	}

	pub, err := ImportPublicJWK(exp.Public)
	if err != nil {
		return KeyPair{}, err
	}
	if !priv.PublicKey.Equal(pub) {
		return KeyPair{}, fmt.Errorf("%w: public key does not match private key", ErrInvalidKey)
	}

	return KeyPair{Private: &priv, Public: pub}, nil
}

func checkCurve(pub *ecdsa.PublicKey) error {
	if pub.Curve == nil || pub.Curve.Params().Name != "P-256" {
		return fmt.Errorf("%w: curve must be P-256", ErrInvalidKey)
	}
	return nil
}
