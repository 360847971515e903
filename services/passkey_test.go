package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vibekit/identity/core"
)

// authenticator is a software FIDO2 authenticator producing "none"
// attestations and ES256 assertions.
type authenticator struct {
	key   *ecdsa.PrivateKey
	id    []byte
	count uint32
	enc   cbor.EncMode
}

func newAuthenticator(t *testing.T) *authenticator {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	id := make([]byte, 16)
	_, err = rand.Read(id)
	require.NoError(t, err)
	enc, err := cbor.CTAP2EncOptions().EncMode()
	require.NoError(t, err)
	return &authenticator{key: key, id: id, enc: enc}
}

func b64(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

func (a *authenticator) clientData(t *testing.T, kind string, challenge []byte) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]string{
		"type":      kind,
		"challenge": b64(challenge),
		"origin":    testOrigin,
	})
	require.NoError(t, err)
	return data
}

func (a *authenticator) authData(flags byte) []byte {
	rpHash := sha256.Sum256([]byte(testRPID))
	out := append([]byte{}, rpHash[:]...)
	out = append(out, flags)
	return binary.BigEndian.AppendUint32(out, a.count)
}

func (a *authenticator) coseKey(t *testing.T) []byte {
	t.Helper()
	pub, err := a.key.PublicKey.ECDH()
	require.NoError(t, err)
	raw := pub.Bytes() // 0x04 || X || Y
	key, err := a.enc.Marshal(map[int]any{1: 2, 3: -7, -1: 1, -2: raw[1:33], -3: raw[33:65]})
	require.NoError(t, err)
	return key
}

// register answers a creation challenge.
func (a *authenticator) register(t *testing.T, challenge []byte) []byte {
	t.Helper()

	authData := a.authData(0x45) // UP | UV | AT
	authData = append(authData, make([]byte, 16)...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(a.id)))
	authData = append(authData, a.id...)
	authData = append(authData, a.coseKey(t)...)

	attestation, err := a.enc.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.id),
		"rawId": b64(a.id),
		"type":  "public-key",
		"response": map[string]string{
			"clientDataJSON":    b64(a.clientData(t, "webauthn.create", challenge)),
			"attestationObject": b64(attestation),
		},
	})
	require.NoError(t, err)
	return body
}

// login answers a request challenge, advancing the signature counter.
func (a *authenticator) login(t *testing.T, challenge []byte, userHandle string) []byte {
	t.Helper()

	a.count++
	authData := a.authData(0x05) // UP | UV
	clientData := a.clientData(t, "webauthn.get", challenge)

	clientHash := sha256.Sum256(clientData)
	digest := sha256.Sum256(append(append([]byte{}, authData...), clientHash[:]...))
	sig, err := ecdsa.SignASN1(rand.Reader, a.key, digest[:])
	require.NoError(t, err)

	body, err := json.Marshal(map[string]any{
		"id":    b64(a.id),
		"rawId": b64(a.id),
		"type":  "public-key",
		"response": map[string]string{
			"clientDataJSON":    b64(clientData),
			"authenticatorData": b64(authData),
			"signature":         b64(sig),
			"userHandle":        b64([]byte(userHandle)),
		},
	})
	require.NoError(t, err)
	return body
}

func registerPasskey(t *testing.T, f *fixture, userID string, a *authenticator) *core.PasskeyCredential {
	t.Helper()
	ctx := context.Background()

	options, err := f.p.Passkeys.RegisterChallenge(ctx, userID)
	require.NoError(t, err)

	pk, err := f.p.Passkeys.VerifyRegistration(ctx, userID, a.register(t, options.Response.Challenge), "  ")
	require.NoError(t, err)
	return pk
}

func TestPasskeys_RequireRelyingParty(t *testing.T) {
	db := newFixture(t).db

	_, err := NewProvider(Config{DB: db, WebAuthn: &WebAuthnConfig{RPID: testRPID}})
	assert.ErrorIs(t, err, core.ErrWebAuthnConfig)

	p, err := NewProvider(Config{DB: db})
	require.NoError(t, err)
	assert.Nil(t, p.Passkeys)
}

func TestPasskeys_RegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "pat@example.com")
	a := newAuthenticator(t)

	pk := registerPasskey(t, f, owner.User.ID, a)
	assert.Equal(t, b64(a.id), pk.CredentialID)
	assert.Equal(t, "Passkey", pk.Name)
	assert.Equal(t, uint32(0), pk.Counter)
	assert.Equal(t, core.PasskeyDeviceSingle, pk.DeviceType)

	options, err := f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)

	res, err := f.p.Passkeys.VerifyLogin(ctx, a.login(t, options.Response.Challenge, owner.User.ID), meta)
	require.NoError(t, err)
	assert.Equal(t, owner.User.ID, res.User.ID)
	assert.Equal(t, MethodPasskey, res.Session.Metadata["method"])

	stored, err := f.p.Passkeys.List(ctx, owner.User.ID)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, uint32(1), stored[0].Counter)
	assert.NotNil(t, stored[0].LastUsedAt)
}

func TestPasskeys_RegistrationReplayFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "quentin@example.com")
	a := newAuthenticator(t)

	options, err := f.p.Passkeys.RegisterChallenge(ctx, owner.User.ID)
	require.NoError(t, err)
	body := a.register(t, options.Response.Challenge)

	_, err = f.p.Passkeys.VerifyRegistration(ctx, owner.User.ID, body, "Laptop")
	require.NoError(t, err)

	_, err = f.p.Passkeys.VerifyRegistration(ctx, owner.User.ID, body, "Laptop")
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestPasskeys_ChallengeBelongsToUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "ruth@example.com")
	intruder := f.signUp(t, "mallory@example.com")
	a := newAuthenticator(t)

	options, err := f.p.Passkeys.RegisterChallenge(ctx, owner.User.ID)
	require.NoError(t, err)
	body := a.register(t, options.Response.Challenge)

	_, err = f.p.Passkeys.VerifyRegistration(ctx, intruder.User.ID, body, "")
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	// The challenge was burned by the failed attempt
	_, err = f.p.Passkeys.VerifyRegistration(ctx, owner.User.ID, body, "")
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)
}

func TestPasskeys_ChallengeExpires(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "sue@example.com")
	a := newAuthenticator(t)

	options, err := f.p.Passkeys.RegisterChallenge(ctx, owner.User.ID)
	require.NoError(t, err)

	f.clock.Advance(PasskeyChallengeTTL + time.Second)
	_, err = f.p.Passkeys.VerifyRegistration(ctx, owner.User.ID, a.register(t, options.Response.Challenge), "")
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	_, err = f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)
	f.clock.Advance(PasskeyChallengeTTL + time.Second)

	n, err := f.p.Passkeys.DeleteExpiredChallenges(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestPasskeys_DuplicateCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "tom@example.com")
	a := newAuthenticator(t)
	registerPasskey(t, f, owner.User.ID, a)

	options, err := f.p.Passkeys.RegisterChallenge(ctx, owner.User.ID)
	require.NoError(t, err)
	require.Len(t, options.Response.CredentialExcludeList, 1)

	_, err = f.p.Passkeys.VerifyRegistration(ctx, owner.User.ID, a.register(t, options.Response.Challenge), "")
	assert.ErrorIs(t, err, core.ErrPasskeyExists)
}

func TestPasskeys_CounterRegression(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "ursula@example.com")
	a := newAuthenticator(t)
	registerPasskey(t, f, owner.User.ID, a)

	a.count = 4
	options, err := f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)
	_, err = f.p.Passkeys.VerifyLogin(ctx, a.login(t, options.Response.Challenge, owner.User.ID), meta)
	require.NoError(t, err)

	// A cloned authenticator replays an older counter
	a.count = 1
	options, err = f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)
	_, err = f.p.Passkeys.VerifyLogin(ctx, a.login(t, options.Response.Challenge, owner.User.ID), meta)
	assert.ErrorIs(t, err, core.ErrPasskeyCounter)

	stored, err := f.p.Passkeys.List(ctx, owner.User.ID)
	require.NoError(t, err)
	assert.Equal(t, uint32(5), stored[0].Counter)
}

func TestPasskeys_LoginRejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "val@example.com")
	registered := newAuthenticator(t)
	registerPasskey(t, f, owner.User.ID, registered)

	_, err := f.p.Passkeys.VerifyLogin(ctx, []byte(`{"id":`), meta)
	assert.ErrorIs(t, err, core.ErrPasskeyVerification)

	options, err := f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)
	body := registered.login(t, options.Response.Challenge, owner.User.ID)
	_, err = f.p.Passkeys.VerifyLogin(ctx, body, meta)
	require.NoError(t, err)

	// Replaying a successful assertion hits a consumed challenge
	_, err = f.p.Passkeys.VerifyLogin(ctx, body, meta)
	assert.ErrorIs(t, err, core.ErrChallengeInvalid)

	stranger := newAuthenticator(t)
	options, err = f.p.Passkeys.LoginChallenge(ctx)
	require.NoError(t, err)
	_, err = f.p.Passkeys.VerifyLogin(ctx, stranger.login(t, options.Response.Challenge, owner.User.ID), meta)
	assert.Error(t, err)
}

func TestPasskeys_RenameAndRemove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	owner := f.signUp(t, "wes@example.com")
	other := f.signUp(t, "xavier@example.com")
	pk := registerPasskey(t, f, owner.User.ID, newAuthenticator(t))

	assert.ErrorIs(t, f.p.Passkeys.Rename(ctx, owner.User.ID, pk.ID, " "), core.ErrInvalidRequest)
	assert.ErrorIs(t, f.p.Passkeys.Rename(ctx, other.User.ID, pk.ID, "Mine now"), core.ErrPasskeyNotFound)
	require.NoError(t, f.p.Passkeys.Rename(ctx, owner.User.ID, pk.ID, "YubiKey"))

	stored, err := f.p.Passkeys.List(ctx, owner.User.ID)
	require.NoError(t, err)
	assert.Equal(t, "YubiKey", stored[0].Name)

	assert.ErrorIs(t, f.p.Passkeys.Remove(ctx, other.User.ID, pk.ID), core.ErrPasskeyNotFound)
	require.NoError(t, f.p.Passkeys.Remove(ctx, owner.User.ID, pk.ID))

	stored, err = f.p.Passkeys.List(ctx, owner.User.ID)
	require.NoError(t, err)
	assert.Empty(t, stored)
}
