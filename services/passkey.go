package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/vibekit/identity/core"
	"github.com/vibekit/identity/database"
)

const (
	PasskeyChallengeTTL = 5 * time.Minute
	defaultPasskeyName  = "Passkey"
)

const passkeyColumns = "id, user_id, credential_id, public_key, counter, device_type, backed_up, backup_eligible, transports, aaguid, attestation_type, name, last_used_at, created_at"

// WebAuthnConfig identifies the relying party.
type WebAuthnConfig struct {
	RPID          string
	RPDisplayName string
	RPOrigins     []string
}

func newWebAuthn(cfg WebAuthnConfig) (*webauthn.WebAuthn, error) {
	if cfg.RPID == "" || len(cfg.RPOrigins) == 0 {
		return nil, core.ErrWebAuthnConfig
	}
	name := cfg.RPDisplayName
	if name == "" {
		name = cfg.RPID
	}
	return webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: name,
		RPOrigins:     cfg.RPOrigins,
	})
}

// Passkeys runs the WebAuthn registration and discoverable login
// ceremonies. Every challenge is persisted and consumed exactly once, before
// the response is checked, so a replayed response always fails.
type Passkeys struct {
	db       core.Database
	wa       *webauthn.WebAuthn
	users    *Users
	finisher *loginFinisher
	audit    *AuditLogger
	log      *slog.Logger
	now      func() time.Time
}

// passkeyUser adapts a user and its stored credentials to webauthn.User.
type passkeyUser struct {
	user  *core.User
	creds []webauthn.Credential
}

func (u *passkeyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *passkeyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *passkeyUser) WebAuthnDisplayName() string {
	if u.user.Name != "" {
		return u.user.Name
	}
	return u.user.Email
}

func (u *passkeyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.creds
}

func (p *Passkeys) loadUser(ctx context.Context, userID string) (*passkeyUser, error) {
	user, err := p.users.ByID(ctx, userID)
	if err != nil {
		return nil, err
	}

	stored, err := p.List(ctx, userID)
	if err != nil {
		return nil, err
	}

	creds := make([]webauthn.Credential, 0, len(stored))
	for _, c := range stored {
		id, err := base64.RawURLEncoding.DecodeString(c.CredentialID)
		if err != nil {
			p.log.Warn("skipping passkey with undecodable id", "passkey_id", c.ID)
			continue
		}

		transports := make([]protocol.AuthenticatorTransport, 0, len(c.Transports))
		for _, t := range c.Transports {
			transports = append(transports, protocol.AuthenticatorTransport(t))
		}

		creds = append(creds, webauthn.Credential{
			ID:              id,
			PublicKey:       c.PublicKey,
			AttestationType: c.AttestationType,
			Transport:       transports,
			Flags: webauthn.CredentialFlags{
				BackupEligible: c.BackupEligible,
				BackupState:    c.BackedUp,
			},
			Authenticator: webauthn.Authenticator{
				AAGUID:    c.AAGUID,
				SignCount: c.Counter,
			},
		})
	}
	return &passkeyUser{user: user, creds: creds}, nil
}

// RegisterChallenge starts registration for userID. Credentials the user
// already has are listed as exclusions so the same authenticator cannot be
// registered twice.
func (p *Passkeys) RegisterChallenge(ctx context.Context, userID string) (*protocol.CredentialCreation, error) {
	user, err := p.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	exclusions := make([]protocol.CredentialDescriptor, 0, len(user.creds))
	for _, c := range user.creds {
		exclusions = append(exclusions, c.Descriptor())
	}

	options, session, err := p.wa.BeginRegistration(user,
		webauthn.WithExclusions(exclusions),
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	)
	if err != nil {
		return nil, err
	}

	if err := p.saveChallenge(ctx, session, userID, core.PasskeyRegistration); err != nil {
		return nil, err
	}
	return options, nil
}

// VerifyRegistration checks an attestation response against the pending
// challenge for userID and stores the new credential.
func (p *Passkeys) VerifyRegistration(ctx context.Context, userID string, response []byte, name string) (*core.PasskeyCredential, error) {
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, core.ErrPasskeyVerification.WithMessage("malformed registration response")
	}

	session, err := p.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, core.PasskeyRegistration, userID)
	if err != nil {
		return nil, err
	}

	user, err := p.loadUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	credential, err := p.wa.CreateCredential(user, *session, parsed)
	if err != nil {
		p.log.Debug("passkey registration rejected", "user_id", userID, "error", err)
		return nil, core.ErrPasskeyVerification
	}

	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultPasskeyName
	}

	transports := make([]string, 0, len(credential.Transport))
	for _, t := range credential.Transport {
		transports = append(transports, string(t))
	}

	deviceType := core.PasskeyDeviceSingle
	if credential.Flags.BackupEligible {
		deviceType = core.PasskeyDeviceMulti
	}

	pk := &core.PasskeyCredential{
		ID:              newID(),
		UserID:          userID,
		CredentialID:    base64.RawURLEncoding.EncodeToString(credential.ID),
		PublicKey:       credential.PublicKey,
		Counter:         credential.Authenticator.SignCount,
		DeviceType:      deviceType,
		BackedUp:        credential.Flags.BackupState,
		BackupEligible:  credential.Flags.BackupEligible,
		Transports:      transports,
		AAGUID:          credential.Authenticator.AAGUID,
		AttestationType: credential.AttestationType,
		Name:            name,
		CreatedAt:       p.now(),
	}

	if err := p.insert(ctx, pk); err != nil {
		return nil, err
	}

	p.audit.Log(ctx, ActionPasskeyRegister, AuditEntry{UserID: userID, Metadata: map[string]any{"passkeyId": pk.ID}})
	return pk, nil
}

func (p *Passkeys) insert(ctx context.Context, pk *core.PasskeyCredential) error {
	transports, err := json.Marshal(pk.Transports)
	if err != nil {
		return err
	}

	n, err := p.db.Exec(ctx,
		`INSERT INTO passkey_credentials (`+passkeyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (credential_id) DO NOTHING`,
		pk.ID, pk.UserID, pk.CredentialID, base64.StdEncoding.EncodeToString(pk.PublicKey), int64(pk.Counter),
		pk.DeviceType, pk.BackedUp, pk.BackupEligible, string(transports), hex.EncodeToString(pk.AAGUID),
		pk.AttestationType, pk.Name, nil, millis(pk.CreatedAt))
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrPasskeyExists
	}
	return nil
}

// LoginChallenge starts a discoverable (usernameless) login.
func (p *Passkeys) LoginChallenge(ctx context.Context) (*protocol.CredentialAssertion, error) {
	options, session, err := p.wa.BeginDiscoverableLogin()
	if err != nil {
		return nil, err
	}

	if err := p.saveChallenge(ctx, session, "", core.PasskeyAuthentication); err != nil {
		return nil, err
	}
	return options, nil
}

// VerifyLogin checks an assertion response and signs its owner in.
func (p *Passkeys) VerifyLogin(ctx context.Context, response []byte, meta core.SessionMeta) (*core.AuthResult, error) {
	parsed, err := protocol.ParseCredentialRequestResponseBody(bytes.NewReader(response))
	if err != nil {
		return nil, core.ErrPasskeyVerification.WithMessage("malformed authentication response")
	}

	session, err := p.consumeChallenge(ctx, parsed.Response.CollectedClientData.Challenge, core.PasskeyAuthentication, "")
	if err != nil {
		return nil, err
	}

	var owner *passkeyUser
	handler := func(rawID, userHandle []byte) (webauthn.User, error) {
		var userID string
		err := p.db.QueryRow(ctx, `SELECT user_id FROM passkey_credentials WHERE credential_id = ?`,
			base64.RawURLEncoding.EncodeToString(rawID)).Scan(&userID)
		if err != nil {
			if isNoRows(err) {
				return nil, core.ErrPasskeyNotFound
			}
			return nil, err
		}
		if len(userHandle) > 0 && string(userHandle) != userID {
			return nil, core.ErrPasskeyVerification.WithMessage("user handle does not match credential")
		}

		owner, err = p.loadUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return owner, nil
	}

	credential, err := p.wa.ValidateDiscoverableLogin(handler, *session, parsed)
	if err != nil {
		var domainErr *core.Error
		if errors.As(err, &domainErr) {
			return nil, domainErr
		}
		p.log.Debug("passkey assertion rejected", "error", err)
		return nil, core.ErrPasskeyVerification
	}

	if credential.Authenticator.CloneWarning {
		p.log.Warn("passkey signature counter regressed", "user_id", owner.user.ID)
		return nil, core.ErrPasskeyCounter
	}

	_, err = p.db.Exec(ctx,
		`UPDATE passkey_credentials SET counter = ?, backed_up = ?, last_used_at = ? WHERE credential_id = ?`,
		int64(credential.Authenticator.SignCount), credential.Flags.BackupState, millis(p.now()),
		base64.RawURLEncoding.EncodeToString(credential.ID))
	if err != nil {
		return nil, err
	}

	return p.finisher.finish(ctx, owner.user, MethodPasskey, meta)
}

func (p *Passkeys) saveChallenge(ctx context.Context, session *webauthn.SessionData, userID string, kind core.PasskeyChallengeType) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}

	now := p.now()
	_, err = p.db.Exec(ctx,
		`INSERT INTO passkey_challenges (id, challenge, user_id, type, session_data, expires_at, used, created_at)
		VALUES (?, ?, ?, ?, ?, ?, FALSE, ?)`,
		newID(), session.Challenge, database.NullString(userID), string(kind), string(data),
		millis(now.Add(PasskeyChallengeTTL)), millis(now))
	return err
}

// consumeChallenge marks the challenge used before anything else is
// checked, so it cannot be presented twice whatever the outcome.
// Registration challenges must belong to userID; authentication challenges
// belong to nobody.
func (p *Passkeys) consumeChallenge(ctx context.Context, challenge string, kind core.PasskeyChallengeType, userID string) (*webauthn.SessionData, error) {
	if challenge == "" {
		return nil, core.ErrChallengeInvalid
	}

	var (
		id, data  string
		owner     *string
		expiresAt int64
	)
	err := p.db.QueryRow(ctx,
		`SELECT id, user_id, session_data, expires_at FROM passkey_challenges WHERE challenge = ? AND type = ?`,
		challenge, string(kind)).Scan(&id, &owner, &data, &expiresAt)
	if err != nil {
		if isNoRows(err) {
			return nil, core.ErrChallengeInvalid
		}
		return nil, err
	}

	consumed, err := consume(ctx, p.db, "passkey_challenges", id)
	if err != nil {
		return nil, err
	}
	if !consumed {
		return nil, core.ErrChallengeInvalid
	}

	if millis(p.now()) > expiresAt {
		return nil, core.ErrChallengeInvalid.WithMessage("challenge expired")
	}
	if database.StringValue(owner) != userID {
		return nil, core.ErrChallengeInvalid
	}

	var session webauthn.SessionData
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// List returns userID's passkeys, oldest first.
func (p *Passkeys) List(ctx context.Context, userID string) ([]*core.PasskeyCredential, error) {
	rows, err := p.db.Query(ctx,
		`SELECT `+passkeyColumns+` FROM passkey_credentials WHERE user_id = ? ORDER BY created_at, id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*core.PasskeyCredential
	for rows.Next() {
		pk, err := scanPasskey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pk)
	}
	return out, rows.Err()
}

func (p *Passkeys) Remove(ctx context.Context, userID, passkeyID string) error {
	n, err := p.db.Exec(ctx, `DELETE FROM passkey_credentials WHERE id = ? AND user_id = ?`, passkeyID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrPasskeyNotFound
	}

	p.audit.Log(ctx, ActionPasskeyRemove, AuditEntry{UserID: userID, Metadata: map[string]any{"passkeyId": passkeyID}})
	return nil
}

func (p *Passkeys) Rename(ctx context.Context, userID, passkeyID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return core.ErrInvalidRequest.WithMessage("name must not be empty")
	}

	n, err := p.db.Exec(ctx, `UPDATE passkey_credentials SET name = ? WHERE id = ? AND user_id = ?`, name, passkeyID, userID)
	if err != nil {
		return err
	}
	if n == 0 {
		return core.ErrPasskeyNotFound
	}
	return nil
}

// DeleteExpiredChallenges removes challenges past their expiry, used or not.
func (p *Passkeys) DeleteExpiredChallenges(ctx context.Context) (int64, error) {
	return p.db.Exec(ctx, `DELETE FROM passkey_challenges WHERE expires_at < ?`, millis(p.now()))
}

func scanPasskey(row core.Row) (*core.PasskeyCredential, error) {
	var (
		pk                          core.PasskeyCredential
		publicKey, transports, aaid string
		counter, createdAt          int64
		lastUsed                    *int64
	)
	err := row.Scan(&pk.ID, &pk.UserID, &pk.CredentialID, &publicKey, &counter, &pk.DeviceType,
		&pk.BackedUp, &pk.BackupEligible, &transports, &aaid, &pk.AttestationType, &pk.Name,
		&lastUsed, &createdAt)
	if err != nil {
		return nil, err
	}

	if pk.PublicKey, err = base64.StdEncoding.DecodeString(publicKey); err != nil {
		return nil, err
	}
	if pk.AAGUID, err = hex.DecodeString(aaid); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(transports), &pk.Transports); err != nil {
		pk.Transports = nil
	}

	pk.Counter = uint32(counter)
	pk.LastUsedAt = database.FromNullMillis(lastUsed)
	pk.CreatedAt = database.FromMillis(createdAt)
	return &pk, nil
}
