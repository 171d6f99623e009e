// Package vault implements envelope-encrypted storage for calendar OAuth
// credentials.
//
// Values are encrypted with AES-256-CBC under a 32-byte master key, a fresh
// random IV per value, and stored as "hex(iv):hex(ciphertext)". Refresh
// tokens never leave the process in plaintext through any external interface;
// access tokens are encrypted at rest too, even though they are short-lived.
package vault

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sentinel errors.
var (
	// ErrUnknownTenant is returned when writing credentials for a tenant the
	// registry does not know.
	ErrUnknownTenant = errors.New("vault: unknown tenant")

	// ErrNotFound is returned when no credential row exists for the
	// (tenant, provider) pair.
	ErrNotFound = errors.New("vault: credential not found")

	// ErrBadCiphertext is returned when a stored value cannot be decoded or
	// decrypted.
	ErrBadCiphertext = errors.New("vault: malformed ciphertext")
)

// keyLen is the required master key length: AES-256.
const keyLen = 32

// TenantChecker is the slice of the tenant registry the vault needs: a way to
// confirm a tenant exists before writing credentials for it.
type TenantChecker interface {
	Exists(ctx context.Context, tenantID string) error
}

// Credential is the decrypted view of one (tenant, provider) row.
type Credential struct {
	TenantID     string
	Provider     string
	RefreshToken string
	AccessToken  string
	TokenExpiry  time.Time
	CalendarID   string
	AccountEmail string
	Timezone     string
}

// Vault stores envelope-encrypted credentials in the shared store's
// calendar_credentials table. Mutations take a per-tenant lock so concurrent
// token refreshes cannot interleave their read-modify-write cycles.
type Vault struct {
	db      *sql.DB
	key     []byte
	tenants TenantChecker

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a Vault over the shared database. key must be exactly 32 bytes.
func New(db *sql.DB, key []byte, tenants TenantChecker) (*Vault, error) {
	if len(key) != keyLen {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keyLen, len(key))
	}
	k := make([]byte, keyLen)
	copy(k, key)
	return &Vault{db: db, key: k, tenants: tenants, locks: make(map[string]*sync.Mutex)}, nil
}

// tenantLock returns the mutex guarding one tenant's credential rows.
func (v *Vault) tenantLock(tenantID string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	l, ok := v.locks[tenantID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[tenantID] = l
	}
	return l
}

// Upsert writes (or overwrites) the credential row for (tenant, provider).
// Empty RefreshToken/AccessToken fields preserve whatever is stored, so a
// token refresh can rotate the access token without re-supplying the refresh
// token. The registry is consulted first; unknown tenants are rejected.
func (v *Vault) Upsert(ctx context.Context, cred Credential) error {
	if err := v.tenants.Exists(ctx, cred.TenantID); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, cred.TenantID)
	}

	lock := v.tenantLock(cred.TenantID)
	lock.Lock()
	defer lock.Unlock()

	var refreshEnc, accessEnc string
	var err error
	if cred.RefreshToken != "" {
		if refreshEnc, err = v.encrypt(cred.RefreshToken); err != nil {
			return err
		}
	}
	if cred.AccessToken != "" {
		if accessEnc, err = v.encrypt(cred.AccessToken); err != nil {
			return err
		}
	}

	var expiryMS int64
	if !cred.TokenExpiry.IsZero() {
		expiryMS = cred.TokenExpiry.UnixMilli()
	}

	_, err = v.db.ExecContext(ctx, `
		INSERT INTO calendar_credentials
			(tenant_id, provider, refresh_token_enc, access_token_enc, token_expiry_ms,
			 calendar_id, account_email, timezone, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, datetime('now'))
		ON CONFLICT (tenant_id, provider) DO UPDATE SET
			refresh_token_enc = CASE WHEN excluded.refresh_token_enc != '' THEN excluded.refresh_token_enc ELSE refresh_token_enc END,
			access_token_enc  = CASE WHEN excluded.access_token_enc  != '' THEN excluded.access_token_enc  ELSE access_token_enc  END,
			token_expiry_ms   = CASE WHEN excluded.token_expiry_ms   != 0  THEN excluded.token_expiry_ms   ELSE token_expiry_ms   END,
			calendar_id       = CASE WHEN excluded.calendar_id       != '' THEN excluded.calendar_id       ELSE calendar_id       END,
			account_email     = CASE WHEN excluded.account_email     != '' THEN excluded.account_email     ELSE account_email     END,
			timezone          = CASE WHEN excluded.timezone          != '' THEN excluded.timezone          ELSE timezone          END,
			updated_at = datetime('now')`,
		cred.TenantID, cred.Provider, refreshEnc, accessEnc, expiryMS,
		cred.CalendarID, cred.AccountEmail, cred.Timezone)
	if err != nil {
		return fmt.Errorf("vault: upsert: %w", err)
	}
	return nil
}

// Get returns the decrypted credential for (tenant, provider), or
// [ErrNotFound].
func (v *Vault) Get(ctx context.Context, tenantID, provider string) (*Credential, error) {
	var (
		cred                   Credential
		refreshEnc, accessEnc  string
		expiryMS               int64
	)
	err := v.db.QueryRowContext(ctx, `
		SELECT tenant_id, provider, refresh_token_enc, access_token_enc, token_expiry_ms,
		       calendar_id, account_email, timezone
		FROM calendar_credentials WHERE tenant_id = ? AND provider = ?`,
		tenantID, provider).
		Scan(&cred.TenantID, &cred.Provider, &refreshEnc, &accessEnc, &expiryMS,
			&cred.CalendarID, &cred.AccountEmail, &cred.Timezone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vault: get: %w", err)
	}

	if refreshEnc != "" {
		if cred.RefreshToken, err = v.decrypt(refreshEnc); err != nil {
			return nil, err
		}
	}
	if accessEnc != "" {
		if cred.AccessToken, err = v.decrypt(accessEnc); err != nil {
			return nil, err
		}
	}
	if expiryMS != 0 {
		cred.TokenExpiry = time.UnixMilli(expiryMS)
	}
	return &cred, nil
}

// SetCalendarSelection persists the chosen calendar id (and optional
// timezone) for an already-connected provider.
func (v *Vault) SetCalendarSelection(ctx context.Context, tenantID, provider, calendarID, timezone string) error {
	if err := v.tenants.Exists(ctx, tenantID); err != nil {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	lock := v.tenantLock(tenantID)
	lock.Lock()
	defer lock.Unlock()

	res, err := v.db.ExecContext(ctx, `
		UPDATE calendar_credentials
		SET calendar_id = ?,
		    timezone = CASE WHEN ? != '' THEN ? ELSE timezone END,
		    updated_at = datetime('now')
		WHERE tenant_id = ? AND provider = ?`,
		calendarID, timezone, timezone, tenantID, provider)
	if err != nil {
		return fmt.Errorf("vault: set calendar selection: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ---- envelope encryption ----

// encrypt returns "hex(iv):hex(AES-256-CBC(pkcs7(plaintext)))".
func (v *Vault) encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}

	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("vault: iv: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(ct), nil
}

// decrypt reverses encrypt.
func (v *Vault) decrypt(value string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(value, ":")
	if !ok {
		return "", ErrBadCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrBadCiphertext
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil || len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", ErrBadCiphertext
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: cipher: %w", err)
	}

	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", ErrBadCiphertext
	}
	return string(unpadded), nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, errors.New("invalid padding length")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("invalid padding byte")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("inconsistent padding")
		}
	}
	return data[:len(data)-n], nil
}
