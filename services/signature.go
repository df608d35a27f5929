package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"lex_billing_app_go/config"

	"golang.org/x/crypto/pkcs12"
)

// Signer kind constants
const (
	SignerKindVisual    = "VISUAL_ANNOTATION"
	SignerKindDelegated = "DELEGATED_CRYPTOGRAPHIC"
)

// Signing errors. The engine's fallback-to-unsigned decision branches on these;
// the strategy itself never falls back silently.
var (
	ErrMalformedDocument         = errors.New("document bytes are not a valid PDF")
	ErrCredentialInvalid         = errors.New("signing credential is invalid")
	ErrCredentialExpired         = errors.New("signing credential has expired")
	ErrSigningBackendUnavailable = errors.New("signing backend unavailable")
)

// SignerInfo describes the active strategy, for display only.
type SignerInfo struct {
	Kind   string `json:"kind"`
	Detail string `json:"detail"`
}

// SignatureStrategy produces a signed byte stream from an unsigned one.
// The variant is selected once per configuration snapshot, by credential
// presence, not by caller choice.
type SignatureStrategy interface {
	Sign(ctx context.Context, document []byte) ([]byte, error)
	Info() SignerInfo
}

// SignerBackend is the external signer consumed by the delegated strategy.
type SignerBackend interface {
	Sign(ctx context.Context, document []byte, certPath, passphrase string) ([]byte, error)
}

// NewSignatureStrategy selects the strategy for a configuration snapshot:
// delegated cryptographic when a signing credential is configured, visual
// annotation otherwise.
func NewSignatureStrategy(cfg config.BillingConfig, backend SignerBackend) SignatureStrategy {
	if cfg.SigningCertPath != "" {
		return &DelegatedCryptographicSigner{
			Backend:    backend,
			CertPath:   cfg.SigningCertPath,
			Passphrase: cfg.SigningCertPassword,
		}
	}
	return &VisualAnnotationSigner{}
}

// VisualAnnotationSigner appends a fixed-position annotation block (disclosure
// text plus a human-readable signing timestamp) to the document. It is always
// available and only fails on malformed input bytes.
type VisualAnnotationSigner struct {
	// Disclosure overrides the default annotation text when set.
	Disclosure string
	// now is swappable for deterministic tests
	now func() time.Time
}

const defaultDisclosure = "Documento firmado mediante anotación visual. Este sello no constituye firma electrónica cualificada."

func (s *VisualAnnotationSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	if !bytes.HasPrefix(document, []byte("%PDF-")) {
		return nil, ErrMalformedDocument
	}

	disclosure := s.Disclosure
	if disclosure == "" {
		disclosure = defaultDisclosure
	}
	nowFn := s.now
	if nowFn == nil {
		nowFn = time.Now
	}

	// Incremental-update style trailer block appended after the original body;
	// viewers render the annotation on the last page.
	annotation := fmt.Sprintf("\n%% --- visual-annotation ---\n%% %s\n%% Firmado: %s\n%% --- end visual-annotation ---\n",
		disclosure, nowFn().Format("02/01/2006 15:04:05"))

	signed := make([]byte, 0, len(document)+len(annotation))
	signed = append(signed, document...)
	signed = append(signed, []byte(annotation)...)
	return signed, nil
}

func (s *VisualAnnotationSigner) Info() SignerInfo {
	return SignerInfo{
		Kind:   SignerKindVisual,
		Detail: "Visual annotation block on last page (no cryptographic signature)",
	}
}

// DelegatedCryptographicSigner validates the configured PKCS#12 credential and
// delegates the actual signing to an external backend.
type DelegatedCryptographicSigner struct {
	Backend    SignerBackend
	CertPath   string
	Passphrase string
}

func (s *DelegatedCryptographicSigner) Sign(ctx context.Context, document []byte) ([]byte, error) {
	if !bytes.HasPrefix(document, []byte("%PDF-")) {
		return nil, ErrMalformedDocument
	}

	if err := s.validateCredential(); err != nil {
		return nil, err
	}

	if s.Backend == nil {
		return nil, fmt.Errorf("%w: no backend configured", ErrSigningBackendUnavailable)
	}

	signed, err := s.Backend.Sign(ctx, document, s.CertPath, s.Passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSigningBackendUnavailable, err)
	}
	return signed, nil
}

// validateCredential decodes the PKCS#12 file and checks certificate validity
// before any backend call, so credential problems surface distinctly from
// backend outages.
func (s *DelegatedCryptographicSigner) validateCredential() error {
	data, err := os.ReadFile(s.CertPath)
	if err != nil {
		return fmt.Errorf("%w: cannot read credential file: %v", ErrCredentialInvalid, err)
	}

	_, cert, err := pkcs12.Decode(data, s.Passphrase)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCredentialInvalid, err)
	}

	now := time.Now()
	if now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate expired %s", ErrCredentialExpired, cert.NotAfter.Format("2006-01-02"))
	}
	if now.Before(cert.NotBefore) {
		return fmt.Errorf("%w: certificate not valid before %s", ErrCredentialInvalid, cert.NotBefore.Format("2006-01-02"))
	}
	return nil
}

func (s *DelegatedCryptographicSigner) Info() SignerInfo {
	return SignerInfo{
		Kind:   SignerKindDelegated,
		Detail: fmt.Sprintf("Delegated cryptographic signing (credential: %s)", s.CertPath),
	}
}

// HTTPSignerBackend posts the document to an external signing service and
// returns the signed bytes it responds with.
type HTTPSignerBackend struct {
	URL    string
	Client *http.Client
}

func (b *HTTPSignerBackend) Sign(ctx context.Context, document []byte, certPath, passphrase string) ([]byte, error) {
	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.URL, bytes.NewReader(document))
	if err != nil {
		return nil, fmt.Errorf("failed to build signer request: %w", err)
	}
	req.Header.Set("Content-Type", "application/pdf")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signer request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("signer returned status %d", resp.StatusCode)
	}

	signed, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read signed document: %w", err)
	}
	return signed, nil
}
