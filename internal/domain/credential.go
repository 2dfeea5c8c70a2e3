package domain

import "time"

// CredentialMethod enumerates the kinds of material a device can
// register and present. Matches spec.md §4.A's method ∈ {api_key,
// certificate, mqtt_password}.
type CredentialMethod string

const (
	MethodAPIKey       CredentialMethod = "api_key"
	MethodCertificate  CredentialMethod = "certificate"
	MethodMQTTPassword CredentialMethod = "mqtt_password"
)

// DeviceCredential is one-to-one with a Sensor. At most one of each
// material kind is populated; MQTT passwords are never stored in the
// clear, only their bcrypt hash (spec.md §4.A invariant).
type DeviceCredential struct {
	SensorID string

	APIKeyEncrypted string // AES-256-GCM ciphertext, empty if unset

	CertificatePEM         string
	CertificateFingerprint string // SHA-256 hex

	MQTTUsername     string
	MQTTPasswordHash string // bcrypt hash

	Active            bool
	ExpiresAt         *time.Time
	LastAuthenticated *time.Time
}

// HasAPIKey reports whether an API key has been registered.
func (c *DeviceCredential) HasAPIKey() bool { return c.APIKeyEncrypted != "" }

// HasCertificate reports whether a certificate fingerprint is on file.
func (c *DeviceCredential) HasCertificate() bool { return c.CertificateFingerprint != "" }

// HasMQTTPassword reports whether an MQTT password hash is on file.
func (c *DeviceCredential) HasMQTTPassword() bool { return c.MQTTPasswordHash != "" }

// Expired reports whether the credential's expiry has passed as of now.
func (c *DeviceCredential) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && now.After(*c.ExpiresAt)
}

// PresentedCredentials is what a transport adapter extracted from the
// wire (Authorization header, MQTT JSON body fields, ...) to pass into
// verify.
type PresentedCredentials struct {
	APIKey                 string
	MQTTPassword           string
	CertificateFingerprint string
}

// Any reports whether at least one credential field was presented.
func (p PresentedCredentials) Any() bool {
	return p.APIKey != "" || p.MQTTPassword != "" || p.CertificateFingerprint != ""
}
