package in_toto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"regexp"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"
)

var hexPattern = regexp.MustCompile("^[a-fA-F0-9]+$")

// validateHexString is used to validate that a string contains only valid
// hexadecimal characters.
func validateHexString(str string) error {
	if !hexPattern.MatchString(str) {
		return errors.Wrapf(ErrFormatError, "%q is not a valid hex string", str)
	}
	return nil
}

/*
ParseRSAPublicKeyFromPEM parses the passed pemBytes as e.g. read from a PEM
formatted file, and instantiates and returns the corresponding RSA public
key. Grounded on in-toto-golang's keylib.go.
*/
func ParseRSAPublicKeyFromPEM(pemBytes []byte) (*rsa.PublicKey, error) {
	data, _ := pem.Decode(pemBytes)
	if data == nil {
		return nil, errors.Wrap(ErrBadSignature, "could not find a public key PEM block")
	}

	pub, err := x509.ParsePKIXPublicKey(data.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrBadSignature, err.Error())
	}

	rsaPub, isRsa := pub.(*rsa.PublicKey)
	if !isRsa {
		return nil, errors.Wrap(ErrBadSignature, "only rsa public keys are supported in PEM-wrapped keyval")
	}
	return rsaPub, nil
}

/*
ParseRSAPrivateKeyFromPEM parses a PKCS1 or PKCS8 RSA private key from PEM
bytes, as stored in Key.KeyVal.Private for an "rsa"/"rsassa-pss-sha256" key.
*/
func ParseRSAPrivateKeyFromPEM(pemBytes []byte) (*rsa.PrivateKey, error) {
	data, _ := pem.Decode(pemBytes)
	if data == nil {
		return nil, errors.Wrap(ErrBadSignature, "could not find a private key PEM block")
	}

	if key, err := x509.ParsePKCS1PrivateKey(data.Bytes); err == nil {
		return key, nil
	}

	key, err := x509.ParsePKCS8PrivateKey(data.Bytes)
	if err != nil {
		return nil, errors.Wrap(ErrBadSignature, err.Error())
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.Wrap(ErrBadSignature, "PKCS8 key is not an RSA private key")
	}
	return rsaKey, nil
}

// computeKeyID hashes the canonical encoding of the subset of key fields
// that determine identity (keytype, scheme, keyid_hash_algorithms, and the
// public value only -- never the private value), so a key presented as
// public-only or public+private yields the same keyid.
func computeKeyID(key Key) (string, error) {
	toHash := map[string]interface{}{
		"keytype":               key.KeyType,
		"scheme":                key.Scheme,
		"keyid_hash_algorithms": key.KeyIdHashAlgorithms,
		"keyval": map[string]string{
			"public": key.KeyVal.Public,
		},
	}
	canonical, err := EncodeCanonical(toHash)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// AssignKeyID computes and sets key.KeyId in place, following the same
// derivation computeKeyID uses during verification, so hand-built Key
// values (tests, the demo CLI, key generation) stay consistent with keys
// loaded from a layout file.
func AssignKeyID(key *Key) error {
	id, err := computeKeyID(*key)
	if err != nil {
		return err
	}
	key.KeyId = id
	return nil
}

/*
CreateSignature signs data with key, dispatching on (KeyType, Scheme). It
returns ErrBadSignature for unsupported combinations -- never a panic.
*/
func CreateSignature(data []byte, key Key) (Signature, error) {
	switch {
	case key.KeyType == "ed25519" && key.Scheme == "ed25519":
		return generateEd25519Signature(data, key)
	case key.KeyType == "rsa" && key.Scheme == "rsassa-pss-sha256":
		return generateRSASignature(data, key)
	default:
		return Signature{}, errors.Wrapf(ErrBadSignature, "key type/scheme (%s, %s) is not supported", key.KeyType, key.Scheme)
	}
}

/*
CheckSignature verifies sig over data using key, dispatching on
(KeyType, Scheme). An unknown or malformed signature is always
ErrBadSignature, never a fatal crash.
*/
func CheckSignature(key Key, sig Signature, data []byte) error {
	switch {
	case key.KeyType == "ed25519" && key.Scheme == "ed25519":
		return verifyEd25519Signature(key, sig, data)
	case key.KeyType == "rsa" && key.Scheme == "rsassa-pss-sha256":
		return verifyRSASignature(key, sig, data)
	default:
		return errors.Wrapf(ErrBadSignature, "key type/scheme (%s, %s) is not supported", key.KeyType, key.Scheme)
	}
}

func generateEd25519Signature(signable []byte, key Key) (Signature, error) {
	seed, err := hex.DecodeString(key.KeyVal.Private)
	if err != nil {
		return Signature{}, errors.Wrap(ErrBadSignature, err.Error())
	}
	if len(seed) != ed25519.SeedSize {
		return Signature{}, errors.Wrapf(ErrBadSignature, "ed25519 private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	priv := ed25519.NewKeyFromSeed(seed)
	sigBytes := ed25519.Sign(priv, signable)

	return Signature{
		KeyId: key.KeyId,
		Sig:   hex.EncodeToString(sigBytes),
	}, nil
}

func verifyEd25519Signature(key Key, sig Signature, data []byte) error {
	pubBytes, err := hex.DecodeString(key.KeyVal.Public)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if len(pubBytes) != ed25519.PublicKeySize {
		return errors.Wrapf(ErrBadSignature, "ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pubBytes))
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}

	if !ed25519.Verify(ed25519.PublicKey(pubBytes), data, sigBytes) {
		return errors.Wrap(ErrBadSignature, "ed25519 signature does not verify")
	}
	return nil
}

func generateRSASignature(signable []byte, key Key) (Signature, error) {
	priv, err := ParseRSAPrivateKeyFromPEM([]byte(key.KeyVal.Private))
	if err != nil {
		return Signature{}, err
	}

	hashed := sha256.Sum256(signable)
	sigBytes, err := rsa.SignPSS(rand.Reader, priv, crypto.SHA256, hashed[:],
		&rsa.PSSOptions{SaltLength: sha256.Size, Hash: crypto.SHA256})
	if err != nil {
		return Signature{}, errors.Wrap(ErrBadSignature, err.Error())
	}

	return Signature{
		KeyId: key.KeyId,
		Sig:   hex.EncodeToString(sigBytes),
	}, nil
}

func verifyRSASignature(key Key, sig Signature, data []byte) error {
	pub, err := ParseRSAPublicKeyFromPEM([]byte(key.KeyVal.Public))
	if err != nil {
		return err
	}

	sigBytes, err := hex.DecodeString(sig.Sig)
	if err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}

	hashed := sha256.Sum256(data)
	// SecSysLib uses a SaltLength of hashes.SHA256().digest_size, i.e. 32.
	if err := rsa.VerifyPSS(pub, crypto.SHA256, hashed[:], sigBytes,
		&rsa.PSSOptions{SaltLength: sha256.Size, Hash: crypto.SHA256}); err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	return nil
}

// supportedKeyIDHashAlgorithms lists the hash algorithms this package
// knows how to derive a keyid from; currently only sha256 (computeKeyID).
var supportedKeyIDHashAlgorithms = []string{"sha256"}

/*
ValidateKey checks that key is well-formed: its keyid is a hex string, its
public value is non-empty, its keyid_hash_algorithms are all supported,
and its keyid matches the one computed from its public value. Grounded on
in-toto-golang's validatePubKey/validateRSAPubKey.
*/
func ValidateKey(key Key) error {
	if err := validateHexString(key.KeyId); err != nil {
		return errors.Wrapf(ErrFormatError, "keyid: %s", err)
	}
	if key.KeyVal.Public == "" {
		return errors.Wrapf(ErrFormatError, "key %q: public value cannot be empty", key.KeyId)
	}
	if !subsetCheck(key.KeyIdHashAlgorithms, supportedKeyIDHashAlgorithms) {
		return errors.Wrapf(ErrFormatError, "key %q: unsupported keyid_hash_algorithms %v", key.KeyId, key.KeyIdHashAlgorithms)
	}

	computed, err := computeKeyID(key)
	if err != nil {
		return err
	}
	if computed != key.KeyId {
		return errors.Wrapf(ErrFormatError, "key %q: keyid does not match computed value %q", key.KeyId, computed)
	}
	return nil
}
