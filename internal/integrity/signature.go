package integrity

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Supported signature algorithms.
const (
	AlgorithmRSASHA256 = "RSA-SHA256"
	AlgorithmEd25519   = "Ed25519"
)

// DefaultExpiration is how long a signature stays acceptable after it was made.
const DefaultExpiration = 365 * 24 * time.Hour

// clockSkew tolerates signatures stamped slightly in the future.
const clockSkew = 5 * time.Minute

// TrustLevel is how far a signer's key is trusted.
type TrustLevel string

const (
	TrustFull     TrustLevel = "full"
	TrustMarginal TrustLevel = "marginal"
	TrustNever    TrustLevel = "never"
)

// Signature is a detached signature over an artifact's raw bytes.
type Signature struct {
	Algorithm string    `json:"algorithm" mapstructure:"algorithm"`
	Signature string    `json:"signature" mapstructure:"signature"`
	KeyID     string    `json:"keyId" mapstructure:"keyId"`
	Timestamp time.Time `json:"timestamp" mapstructure:"timestamp"`
	PublicKey string    `json:"publicKey,omitempty" mapstructure:"publicKey"`
}

// TrustedSigner is a key allowed to vouch for plugin artifacts.
type TrustedSigner struct {
	Name         string     `json:"name" mapstructure:"name"`
	KeyID        string     `json:"keyId" mapstructure:"keyId"`
	PublicKey    string     `json:"publicKey" mapstructure:"publicKey"`
	Organization string     `json:"organization,omitempty" mapstructure:"organization"`
	Email        string     `json:"email,omitempty" mapstructure:"email"`
	TrustLevel   TrustLevel `json:"trustLevel" mapstructure:"trustLevel"`
}

// Result is the outcome of a signature verification. Verifiers never
// return errors; failures are described by Error.
type Result struct {
	Valid  bool
	Signer *TrustedSigner
	Error  string
}

// Err converts an invalid result into a *SignatureVerificationFailedError.
func (r Result) Err(path, keyID string) error {
	if r.Valid {
		return nil
	}
	return &SignatureVerificationFailedError{Path: path, KeyID: keyID, Reason: r.Error}
}

// Verifier checks a signature against a set of trusted signers.
type Verifier interface {
	Verify(ctx context.Context, path string, sig *Signature, signers []TrustedSigner) Result
}

// trustWindow applies signer trust level and expiration rules shared by
// every verifier backend.
type trustWindow struct {
	expiration time.Duration
	now        func() time.Time
}

func newTrustWindow(expiration time.Duration, now func() time.Time) trustWindow {
	if expiration <= 0 {
		expiration = DefaultExpiration
	}
	if now == nil {
		now = time.Now
	}
	return trustWindow{expiration: expiration, now: now}
}

// check returns a failure reason, or "" when signer and signed time are acceptable.
func (w trustWindow) check(signer *TrustedSigner, keyID string, signed time.Time) string {
	if signer == nil {
		return fmt.Sprintf("key %q is not a trusted signer", keyID)
	}
	if signer.TrustLevel != TrustFull {
		return fmt.Sprintf("signer %q has trust level %q", signer.Name, signer.TrustLevel)
	}
	if signed.IsZero() {
		return "signature has no timestamp"
	}
	now := w.now()
	if signed.After(now.Add(clockSkew)) {
		return "signature timestamp is in the future"
	}
	if now.Sub(signed) > w.expiration {
		return fmt.Sprintf("signature expired: signed %s, window %s", signed.Format(time.RFC3339), w.expiration)
	}
	return ""
}

func findSigner(signers []TrustedSigner, keyID string) *TrustedSigner {
	for i := range signers {
		if signers[i].KeyID == keyID {
			return &signers[i]
		}
	}
	return nil
}

// KeyVerifier verifies signatures in-process with RSA-SHA256 or Ed25519.
type KeyVerifier struct {
	window trustWindow
}

// NewKeyVerifier creates a KeyVerifier. A non-positive expiration uses
// DefaultExpiration; a nil now uses time.Now.
func NewKeyVerifier(expiration time.Duration, now func() time.Time) *KeyVerifier {
	return &KeyVerifier{window: newTrustWindow(expiration, now)}
}

// Verify checks sig over the file at path.
func (v *KeyVerifier) Verify(_ context.Context, path string, sig *Signature, signers []TrustedSigner) Result {
	if sig == nil {
		return Result{Error: "no signature"}
	}

	signer := findSigner(signers, sig.KeyID)
	if reason := v.window.check(signer, sig.KeyID, sig.Timestamp); reason != "" {
		return Result{Error: reason}
	}

	if sig.PublicKey != "" && !samePublicKey(sig.PublicKey, signer.PublicKey) {
		return Result{Error: "embedded public key does not match trusted signer"}
	}

	pub, err := ParsePublicKey(signer.PublicKey)
	if err != nil {
		return Result{Error: err.Error()}
	}

	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return Result{Error: "signature is not valid base64"}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Result{Error: fmt.Sprintf("failed to read artifact: %v", err)}
	}

	if err := verifyRaw(pub, sig.Algorithm, data, raw); err != nil {
		return Result{Error: err.Error()}
	}

	return Result{Valid: true, Signer: signer}
}

func samePublicKey(a, b string) bool {
	ka, err := ParsePublicKey(a)
	if err != nil {
		return false
	}
	kb, err := ParsePublicKey(b)
	if err != nil {
		return false
	}
	type equaler interface {
		Equal(x crypto.PublicKey) bool
	}
	eq, ok := ka.(equaler)
	return ok && eq.Equal(kb)
}

func verifyRaw(pub crypto.PublicKey, algorithm string, data, raw []byte) error {
	switch key := pub.(type) {
	case *rsa.PublicKey:
		if algorithm != "" && !strings.EqualFold(algorithm, AlgorithmRSASHA256) {
			return fmt.Errorf("algorithm %q does not match RSA key", algorithm)
		}
		digest := sha256.Sum256(data)
		if err := rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], raw); err != nil {
			return errors.New("signature does not match artifact")
		}
		return nil
	case ed25519.PublicKey:
		if algorithm != "" && !strings.EqualFold(algorithm, AlgorithmEd25519) {
			return fmt.Errorf("algorithm %q does not match Ed25519 key", algorithm)
		}
		if !ed25519.Verify(key, data, raw) {
			return errors.New("signature does not match artifact")
		}
		return nil
	default:
		return fmt.Errorf("unsupported public key type %T", pub)
	}
}

// ParsePublicKey accepts a PEM encoded PKIX or PKCS#1 key, or an OpenSSH
// authorized_keys line.
func ParsePublicKey(s string) (crypto.PublicKey, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.New("empty public key")
	}

	if block, _ := pem.Decode([]byte(s)); block != nil {
		switch block.Type {
		case "PUBLIC KEY":
			return x509.ParsePKIXPublicKey(block.Bytes)
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
		}
	}

	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(s))
	if err != nil {
		return nil, fmt.Errorf("unrecognized public key format: %w", err)
	}
	cpk, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported ssh key type %s", pk.Type())
	}
	return cpk.CryptoPublicKey(), nil
}

// ParsePrivateKey reads a PEM encoded PKCS#8 or PKCS#1 private key.
func ParsePrivateKey(keyPEM []byte) (crypto.Signer, error) {
	block, _ := pem.Decode(keyPEM)
	if block == nil {
		return nil, errors.New("no PEM block found in private key")
	}

	switch block.Type {
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		signer, ok := key.(crypto.Signer)
		if !ok {
			return nil, fmt.Errorf("unsupported private key type %T", key)
		}
		return signer, nil
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
}

// KeyID derives a short identifier from a public key: the first 16 hex
// characters of the SHA-256 of its PKIX encoding.
func KeyID(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16], nil
}

// EncodePublicKey returns the PEM encoding of pub.
func EncodePublicKey(pub crypto.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// GenerateKeyPair creates a new signing key and returns the PEM encoded
// private and public halves.
func GenerateKeyPair(algorithm string) (privatePEM, publicPEM []byte, err error) {
	var priv crypto.Signer
	switch {
	case strings.EqualFold(algorithm, AlgorithmRSASHA256), algorithm == "":
		priv, err = rsa.GenerateKey(rand.Reader, 2048)
	case strings.EqualFold(algorithm, AlgorithmEd25519):
		_, priv, err = ed25519.GenerateKey(rand.Reader)
	default:
		return nil, nil, fmt.Errorf("unsupported algorithm %q", algorithm)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, err
	}
	pub, err := EncodePublicKey(priv.Public())
	if err != nil {
		return nil, nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), []byte(pub), nil
}

// SignWithPrivateKey signs the raw bytes of the file at path. The key
// type selects the algorithm. An empty keyID is derived from the key.
func SignWithPrivateKey(path string, keyPEM []byte, keyID string) (*Signature, error) {
	key, err := ParsePrivateKey(keyPEM)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact: %w", err)
	}

	var (
		raw       []byte
		algorithm string
	)
	switch k := key.(type) {
	case *rsa.PrivateKey:
		digest := sha256.Sum256(data)
		raw, err = rsa.SignPKCS1v15(rand.Reader, k, crypto.SHA256, digest[:])
		algorithm = AlgorithmRSASHA256
	case ed25519.PrivateKey:
		raw = ed25519.Sign(k, data)
		algorithm = AlgorithmEd25519
	default:
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sign artifact: %w", err)
	}

	if keyID == "" {
		if keyID, err = KeyID(key.Public()); err != nil {
			return nil, err
		}
	}
	pub, err := EncodePublicKey(key.Public())
	if err != nil {
		return nil, err
	}

	return &Signature{
		Algorithm: algorithm,
		Signature: base64.StdEncoding.EncodeToString(raw),
		KeyID:     keyID,
		Timestamp: time.Now().UTC(),
		PublicKey: pub,
	}, nil
}
