package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// ErrCredentialNotFound is returned when no credential row exists for
// a sensor.
var ErrCredentialNotFound = domain.ErrCredentialNotFound

// CredentialRepo persists domain.DeviceCredential rows, one-to-one
// with a sensor (spec.md §3 invariant).
type CredentialRepo struct{}

func NewCredentialRepo() *CredentialRepo { return &CredentialRepo{} }

const credentialColumns = `sensor_id, api_key_encrypted, certificate_pem, certificate_fingerprint,
	mqtt_username, mqtt_password_hash, active, expires_at, last_authenticated`

func scanCredential(scan func(dest ...any) error) (*domain.DeviceCredential, error) {
	var c domain.DeviceCredential
	var expiresAt, lastAuth sql.NullTime
	if err := scan(&c.SensorID, &c.APIKeyEncrypted, &c.CertificatePEM, &c.CertificateFingerprint,
		&c.MQTTUsername, &c.MQTTPasswordHash, &c.Active, &expiresAt, &lastAuth); err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		c.ExpiresAt = &expiresAt.Time
	}
	if lastAuth.Valid {
		c.LastAuthenticated = &lastAuth.Time
	}
	return &c, nil
}

// Get loads the credential for sensorID.
func (repo *CredentialRepo) Get(ctx context.Context, q Querier, sensorID string) (*domain.DeviceCredential, error) {
	row := q.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM device_credentials WHERE sensor_id = $1`, sensorID)
	c, err := scanCredential(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// Create inserts a new credential row. Fails on conflict (unique
// sensor_id) — callers check Get first to produce
// domain.ErrCredentialExists with a clearer message, this is the
// storage-layer backstop.
func (repo *CredentialRepo) Create(ctx context.Context, q Querier, c *domain.DeviceCredential) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO device_credentials (`+credentialColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		c.SensorID, c.APIKeyEncrypted, c.CertificatePEM, c.CertificateFingerprint,
		c.MQTTUsername, c.MQTTPasswordHash, c.Active, c.ExpiresAt, c.LastAuthenticated)
	if err != nil {
		return fmt.Errorf("insert credential: %w", err)
	}
	return nil
}

// Update persists all mutable fields of an existing credential.
func (repo *CredentialRepo) Update(ctx context.Context, q Querier, c *domain.DeviceCredential) error {
	_, err := q.ExecContext(ctx, `
		UPDATE device_credentials SET
			api_key_encrypted = $2, certificate_pem = $3, certificate_fingerprint = $4,
			mqtt_username = $5, mqtt_password_hash = $6, active = $7, expires_at = $8,
			last_authenticated = $9
		WHERE sensor_id = $1`,
		c.SensorID, c.APIKeyEncrypted, c.CertificatePEM, c.CertificateFingerprint,
		c.MQTTUsername, c.MQTTPasswordHash, c.Active, c.ExpiresAt, c.LastAuthenticated)
	if err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return nil
}

// TouchLastAuthenticated bumps last_authenticated to now (spec.md §4.H
// step 9 and §4.A verify).
func (repo *CredentialRepo) TouchLastAuthenticated(ctx context.Context, q Querier, sensorID string, now time.Time) error {
	_, err := q.ExecContext(ctx, `UPDATE device_credentials SET last_authenticated = $2 WHERE sensor_id = $1`, sensorID, now)
	if err != nil {
		return fmt.Errorf("touch last_authenticated: %w", err)
	}
	return nil
}
