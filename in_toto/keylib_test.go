package in_toto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ed25519"
)

func generateTestEd25519Key(t *testing.T) Key {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	key := Key{
		KeyType:             "ed25519",
		Scheme:              "ed25519",
		KeyIdHashAlgorithms: []string{"sha256"},
		KeyVal: KeyVal{
			Public:  hex.EncodeToString(pub),
			Private: hex.EncodeToString(priv.Seed()),
		},
	}
	require.NoError(t, AssignKeyID(&key))
	return key
}

func generateTestRSAKey(t *testing.T) Key {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	privPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)})
	pubBytes, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	require.NoError(t, err)
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	key := Key{
		KeyType:             "rsa",
		Scheme:              "rsassa-pss-sha256",
		KeyIdHashAlgorithms: []string{"sha256"},
		KeyVal: KeyVal{
			Public:  string(pubPEM),
			Private: string(privPEM),
		},
	}
	require.NoError(t, AssignKeyID(&key))
	return key
}

func TestEd25519SignAndVerify(t *testing.T) {
	key := generateTestEd25519Key(t)
	data := []byte("hello supply chain")

	sig, err := CreateSignature(data, key)
	require.NoError(t, err)
	assert.Equal(t, key.KeyId, sig.KeyId)

	require.NoError(t, CheckSignature(key, sig, data))

	require.Error(t, CheckSignature(key, sig, []byte("tampered")))
}

func TestRSASignAndVerify(t *testing.T) {
	key := generateTestRSAKey(t)
	data := []byte("hello supply chain")

	sig, err := CreateSignature(data, key)
	require.NoError(t, err)

	require.NoError(t, CheckSignature(key, sig, data))
	require.Error(t, CheckSignature(key, sig, []byte("tampered")))
}

func TestCreateSignatureUnsupportedScheme(t *testing.T) {
	key := Key{KeyType: "bogus", Scheme: "bogus"}
	_, err := CreateSignature([]byte("x"), key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestValidateKeyRejectsMismatchedKeyID(t *testing.T) {
	key := generateTestEd25519Key(t)
	key.KeyId = "0000000000000000000000000000000000000000000000000000000000000000"
	err := ValidateKey(key)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFormatError)
}

func TestValidateKeyRejectsEmptyPublic(t *testing.T) {
	key := generateTestEd25519Key(t)
	key.KeyVal.Public = ""
	err := ValidateKey(key)
	require.Error(t, err)
}

func TestAssignKeyIDStableAcrossPrivateHalf(t *testing.T) {
	key := generateTestEd25519Key(t)
	pubOnly := key
	pubOnly.KeyVal.Private = ""

	id, err := computeKeyID(pubOnly)
	require.NoError(t, err)
	assert.Equal(t, key.KeyId, id)
}
