package authn

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/protocol/webauthncbor"
	"github.com/go-webauthn/webauthn/protocol/webauthncose"
	"github.com/stretchr/testify/require"

	"github.com/SibhatG/betterauth/internal/webauthn"
)

const (
	testRPID   = "auth.example.com"
	testOrigin = "https://auth.example.com"
)

// softKey is a software passkey producing ES256 responses.
type softKey struct {
	key     *ecdsa.PrivateKey
	credID  []byte
	counter uint32
	flags   protocol.AuthenticatorFlags
}

func newSoftKey(t *testing.T) *softKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := make([]byte, 16)
	_, err = rand.Read(id)
	require.NoError(t, err)
	return &softKey{key: key, credID: id, flags: protocol.FlagUserPresent | protocol.FlagUserVerified}
}

func (k *softKey) id() string { return base64.RawURLEncoding.EncodeToString(k.credID) }

func (k *softKey) authData(t *testing.T, attested bool) []byte {
	t.Helper()
	rp := sha256.Sum256([]byte(testRPID))
	flags := k.flags
	if attested {
		flags |= protocol.FlagAttestedCredentialData
	}
	buf := append([]byte{}, rp[:]...)
	buf = append(buf, byte(flags))
	buf = binary.BigEndian.AppendUint32(buf, k.counter)
	if !attested {
		return buf
	}
	x := make([]byte, 32)
	y := make([]byte, 32)
	k.key.PublicKey.X.FillBytes(x)
	k.key.PublicKey.Y.FillBytes(y)
	cose, err := webauthncbor.Marshal(webauthncose.EC2PublicKeyData{
		PublicKeyData: webauthncose.PublicKeyData{
			KeyType:   int64(webauthncose.EllipticKey),
			Algorithm: int64(webauthncose.AlgES256),
		},
		Curve:  1,
		XCoord: x,
		YCoord: y,
	})
	require.NoError(t, err)
	buf = append(buf, make([]byte, 16)...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(k.credID)))
	buf = append(buf, k.credID...)
	return append(buf, cose...)
}

func clientData(t *testing.T, typ protocol.CeremonyType, challenge string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]any{"type": typ, "challenge": challenge, "origin": testOrigin})
	require.NoError(t, err)
	return raw
}

func (k *softKey) register(t *testing.T, opts webauthn.Options) webauthn.RegistrationResponse {
	t.Helper()
	att, err := webauthncbor.Marshal(struct {
		Format   string         `cbor:"fmt"`
		AuthData []byte         `cbor:"authData"`
		AttStmt  map[string]any `cbor:"attStmt"`
	}{"none", k.authData(t, true), map[string]any{}})
	require.NoError(t, err)
	return webauthn.RegistrationResponse{
		CredentialID:      k.id(),
		ClientDataJSON:    clientData(t, protocol.CreateCeremony, opts.Challenge),
		AttestationObject: att,
		Name:              "test key",
	}
}

func (k *softKey) assert(t *testing.T, opts webauthn.Options) webauthn.AssertionResponse {
	t.Helper()
	k.counter++
	data := k.authData(t, false)
	client := clientData(t, protocol.AssertCeremony, opts.Challenge)
	hash := sha256.Sum256(client)
	digest := sha256.Sum256(append(append([]byte{}, data...), hash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, k.key, digest[:])
	require.NoError(t, err)
	return webauthn.AssertionResponse{
		CredentialID:      k.id(),
		ClientDataJSON:    client,
		AuthenticatorData: data,
		Signature:         sig,
	}
}
