// Package credential implements the device credential store (spec.md
// §4.A): registration, constant-time verification, rotation, and
// bootstrap self-signed certificate generation. Grounded on the
// teacher's AES-256-GCM envelope pattern (pkg/credentials/store.go).
package credential

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/busyworksapp/water-telemetry-core/internal/domain"
)

// Repository is the persistence seam this service needs. Satisfied by
// *store.CredentialRepo bound to a *store.DB or a transaction.
type Repository interface {
	Get(ctx context.Context, sensorID string) (*domain.DeviceCredential, error)
	Create(ctx context.Context, c *domain.DeviceCredential) error
	Update(ctx context.Context, c *domain.DeviceCredential) error
}

// Service implements spec.md §4.A over a Repository. encKey must be 32
// bytes (AES-256); API keys are encrypted at rest and only decrypted to
// run the constant-time comparison.
type Service struct {
	repo   Repository
	encKey []byte
	now    func() time.Time
}

// New constructs a Service. encKey must be exactly 32 bytes.
func New(repo Repository, encKey []byte) (*Service, error) {
	if len(encKey) != 32 {
		return nil, fmt.Errorf("credential encryption key must be 32 bytes, got %d", len(encKey))
	}
	return &Service{repo: repo, encKey: encKey, now: time.Now}, nil
}

// GeneratedMaterial is returned by Register when the caller didn't
// supply material and a fresh secret had to be minted — this is the
// only place a caller ever sees a raw API key or MQTT password.
type GeneratedMaterial struct {
	APIKey       string // non-empty iff method == api_key and material was generated
	MQTTPassword string // non-empty iff method == mqtt_password and material was generated
}

// Register creates the one credential record for sensorID. Fails with
// domain.ErrCredentialExists if one is already on file. When material
// is empty, a fresh secret is generated: a URL-safe 32-byte API key, a
// bcrypt hash of a fresh random MQTT password (the plaintext is
// returned once via GeneratedMaterial and never stored), or — for
// certificates — callers are expected to have already produced PEM
// material via GenerateCertificate.
func (s *Service) Register(ctx context.Context, sensorID string, method domain.CredentialMethod, material string) (*GeneratedMaterial, error) {
	if _, err := s.repo.Get(ctx, sensorID); err == nil {
		return nil, domain.ErrCredentialExists
	} else if !errors.Is(err, domain.ErrCredentialNotFound) {
		return nil, fmt.Errorf("check existing credential: %w", err)
	}

	c := &domain.DeviceCredential{SensorID: sensorID, Active: true}
	gen := &GeneratedMaterial{}

	switch method {
	case domain.MethodAPIKey:
		key := material
		if key == "" {
			key = randomURLSafeKey(32)
			gen.APIKey = key
		}
		enc, err := s.encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("encrypt api key: %w", err)
		}
		c.APIKeyEncrypted = enc

	case domain.MethodMQTTPassword:
		pass := material
		if pass == "" {
			pass = randomURLSafeKey(24)
			gen.MQTTPassword = pass
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash mqtt password: %w", err)
		}
		c.MQTTPasswordHash = string(hash)

	case domain.MethodCertificate:
		if material == "" {
			return nil, fmt.Errorf("certificate registration requires PEM material; use GenerateCertificate to bootstrap one")
		}
		c.CertificatePEM = material
		c.CertificateFingerprint = fingerprintPEM(material)

	default:
		return nil, fmt.Errorf("unknown credential method %q", method)
	}

	if err := s.repo.Create(ctx, c); err != nil {
		return nil, fmt.Errorf("persist credential: %w", err)
	}
	return gen, nil
}

// Verify fetches the credential for sensorID, rejects an inactive or
// expired record, and compares every non-empty field of presented
// using constant-time equality (or the bcrypt verifier for MQTT
// passwords). At least one successful verification must occur when
// presented carries any material (spec.md §4.H step 3). When presented
// is empty it returns nil without touching the record; after a
// successful comparison it bumps last_authenticated.
func (s *Service) Verify(ctx context.Context, sensorID string, presented domain.PresentedCredentials) error {
	c, err := s.repo.Get(ctx, sensorID)
	if err != nil {
		return domain.NewCoreError(domain.KindInvalidCredential, fmt.Errorf("no credential on file: %w", err))
	}
	if !c.Active {
		return domain.NewCoreError(domain.KindInvalidCredential, errors.New("credential deactivated"))
	}
	if c.Expired(s.now()) {
		return domain.NewCoreError(domain.KindExpiredCredential, domain.ErrExpiredCredential)
	}
	if !presented.Any() {
		return nil
	}

	verified := false

	if presented.APIKey != "" {
		if !c.HasAPIKey() {
			return domain.NewCoreError(domain.KindInvalidCredential, fmt.Errorf("%w: api_key", domain.ErrNoCredentialOfKind))
		}
		stored, err := s.decrypt(c.APIKeyEncrypted)
		if err != nil {
			return domain.NewCoreError(domain.KindInvalidCredential, fmt.Errorf("decrypt stored api key: %w", err))
		}
		if !constantTimeEqual(stored, presented.APIKey) {
			return domain.NewCoreError(domain.KindInvalidCredential, domain.ErrInvalidCredential)
		}
		verified = true
	}

	if presented.MQTTPassword != "" {
		if !c.HasMQTTPassword() {
			return domain.NewCoreError(domain.KindInvalidCredential, fmt.Errorf("%w: mqtt_password", domain.ErrNoCredentialOfKind))
		}
		if err := bcrypt.CompareHashAndPassword([]byte(c.MQTTPasswordHash), []byte(presented.MQTTPassword)); err != nil {
			return domain.NewCoreError(domain.KindInvalidCredential, domain.ErrInvalidCredential)
		}
		verified = true
	}

	if presented.CertificateFingerprint != "" {
		if !c.HasCertificate() {
			return domain.NewCoreError(domain.KindInvalidCredential, fmt.Errorf("%w: certificate", domain.ErrNoCredentialOfKind))
		}
		if !constantTimeEqual(c.CertificateFingerprint, presented.CertificateFingerprint) {
			return domain.NewCoreError(domain.KindInvalidCredential, domain.ErrInvalidCredential)
		}
		verified = true
	}

	if !verified {
		return domain.NewCoreError(domain.KindInvalidCredential, domain.ErrInvalidCredential)
	}

	c.LastAuthenticated = timePtr(s.now())
	if err := s.repo.Update(ctx, c); err != nil {
		return fmt.Errorf("persist last_authenticated: %w", err)
	}
	return nil
}

// RefreshAPIKey rotates sensorID's API key to a fresh random value,
// returning the new plaintext key exactly once.
func (s *Service) RefreshAPIKey(ctx context.Context, sensorID string) (string, error) {
	c, err := s.repo.Get(ctx, sensorID)
	if err != nil {
		return "", fmt.Errorf("get credential: %w", err)
	}
	key := randomURLSafeKey(32)
	enc, err := s.encrypt(key)
	if err != nil {
		return "", fmt.Errorf("encrypt api key: %w", err)
	}
	c.APIKeyEncrypted = enc
	if err := s.repo.Update(ctx, c); err != nil {
		return "", fmt.Errorf("persist rotated key: %w", err)
	}
	return key, nil
}

// Deactivate flips the active flag off.
func (s *Service) Deactivate(ctx context.Context, sensorID string) error {
	return s.setActive(ctx, sensorID, false)
}

// Reactivate flips the active flag on.
func (s *Service) Reactivate(ctx context.Context, sensorID string) error {
	return s.setActive(ctx, sensorID, true)
}

func (s *Service) setActive(ctx context.Context, sensorID string, active bool) error {
	c, err := s.repo.Get(ctx, sensorID)
	if err != nil {
		return fmt.Errorf("get credential: %w", err)
	}
	c.Active = active
	if err := s.repo.Update(ctx, c); err != nil {
		return fmt.Errorf("persist active flag: %w", err)
	}
	return nil
}

// GenerateCertificate produces a self-signed RSA-2048 certificate for
// bootstrap, returning PEM-encoded cert + key and the cert's SHA-256
// fingerprint. The caller registers the returned cert PEM via Register.
func (s *Service) GenerateCertificate(cn string, validityDays int) (certPEM, keyPEM, fingerprint string, err error) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", "", "", fmt.Errorf("generate rsa key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return "", "", "", fmt.Errorf("generate serial: %w", err)
	}

	now := s.now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             now,
		NotAfter:              now.AddDate(0, 0, validityDays),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	if err != nil {
		return "", "", "", fmt.Errorf("create certificate: %w", err)
	}

	certBlock := &pem.Block{Type: "CERTIFICATE", Bytes: der}
	keyBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}

	certOut := string(pem.EncodeToMemory(certBlock))
	keyOut := string(pem.EncodeToMemory(keyBlock))
	return certOut, keyOut, fingerprintDER(der), nil
}

func fingerprintDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

func fingerprintPEM(certPEM string) string {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil {
		sum := sha256.Sum256([]byte(certPEM))
		return hex.EncodeToString(sum[:])
	}
	return fingerprintDER(block.Bytes)
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func randomURLSafeKey(n int) string {
	buf := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(fmt.Sprintf("credential: read random bytes: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(buf)
}

func timePtr(t time.Time) *time.Time { return &t }

func (s *Service) encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (s *Service) decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(s.encKey)
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("ciphertext too short")
	}
	nonce, body := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, body, nil)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}
