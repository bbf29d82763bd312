// Package keygen generates in-memory signing keys for the demo CLI. It is
// deliberately not part of the public in_toto package: real
// deployments provision keys out of band (securesystemslib, a KMS, a
// hardware token), exactly as demo.py's create_and_persist_or_load_key is
// demo-only tooling rather than part of the verification library.
package keygen

import (
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/ed25519"

	"github.com/D-Pow/in-toto/in_toto"
)

// GenerateEd25519Key creates a fresh ed25519 key pair and returns it as an
// in_toto.Key with KeyId populated, ready to sign or be embedded in a
// layout's authorized keys.
func GenerateEd25519Key() (in_toto.Key, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return in_toto.Key{}, errors.Wrap(err, "generating ed25519 key")
	}

	key := in_toto.Key{
		KeyType:             "ed25519",
		Scheme:              "ed25519",
		KeyIdHashAlgorithms: []string{"sha256"},
		KeyVal: in_toto.KeyVal{
			Public:  hex.EncodeToString(pub),
			Private: hex.EncodeToString(priv.Seed()),
		},
	}

	if err := in_toto.AssignKeyID(&key); err != nil {
		return in_toto.Key{}, err
	}
	return key, nil
}

// PublicOnly strips the private half of key, as written into a layout's
// keys map (functionaries are authorized by public key only).
func PublicOnly(key in_toto.Key) in_toto.Key {
	pub := key
	pub.KeyVal = in_toto.KeyVal{Public: key.KeyVal.Public}
	return pub
}
