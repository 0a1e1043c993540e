// Package rim loads and verifies NVIDIA Reference Integrity Manifests: the
// signed SWID/CoSWID documents that carry the golden measurements a driver
// or VBIOS build is expected to produce.
package rim

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/edgelesssys/gpuattest/internal/certchain"
	"github.com/edgelesssys/gpuattest/internal/ocspverify"
	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// fallbackURL is attempted exactly once after the configured RIM service
// URL is exhausted.
const fallbackURL = "https://rim.nvidia.com/"

// Component names a RIM by the part of the evidence it covers, selecting
// both the RIM-ID grammar and the OCSP chain mode used to revoke its
// signing chain.
type Component int

const (
	// ComponentDriver identifies the GPU driver's RIM.
	ComponentDriver Component = iota
	// ComponentVBIOS identifies the GPU VBIOS's RIM.
	ComponentVBIOS
)

func (c Component) ocspMode() certchain.Mode {
	if c == ComponentVBIOS {
		return certchain.ModeVBIOSRIM
	}
	return certchain.ModeDriverRIM
}

func (c Component) String() string {
	if c == ComponentVBIOS {
		return "VBIOS"
	}
	return "driver"
}

// Client fetches and verifies RIM documents, either from NVIDIA's RIM
// service or from a local file supplied by the host harness.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	rootAnchor    *x509.Certificate
	ocsp          *ocspverify.Client
	ocspPolicy    ocspverify.Policy
	log           *slog.Logger
	retryAttempts uint
	retryDelay    time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry attempt count and per-attempt delay.
// The default is 3 attempts, 2 seconds apart.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) { c.retryAttempts = attempts; c.retryDelay = delay }
}

// New creates a Client. rootAnchor anchors every RIM signing chain this
// client verifies; ocspClient revokes that chain in the component's
// corresponding mode.
func New(baseURL string, rootAnchor *x509.Certificate, ocspClient *ocspverify.Client, ocspPolicy ocspverify.Policy, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		baseURL:       baseURL,
		rootAnchor:    rootAnchor,
		ocsp:          ocspClient,
		ocspPolicy:    ocspPolicy,
		log:           log,
		retryAttempts: 3,
		retryDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FetchDriverRIM fetches and verifies the Hopper driver RIM for version,
// e.g. "535.104.05".
func (c *Client) FetchDriverRIM(ctx context.Context, version, expectedVersion string) (*SoftwareIdentity, error) {
	return c.fetch(ctx, "NV_GPU_DRIVER_GH100_"+version, ComponentDriver, expectedVersion)
}

// FetchVBIOSRIM fetches and verifies the Hopper VBIOS RIM identified by the
// board's project/project-SKU/chip-SKU triple and its VBIOS version.
func (c *Client) FetchVBIOSRIM(ctx context.Context, project, projectSKU, chipSKU, vbiosVersion, expectedVersion string) (*SoftwareIdentity, error) {
	rimVersion := strings.ToUpper(strings.ReplaceAll(vbiosVersion, ".", ""))
	id := fmt.Sprintf("NV_GPU_VBIOS_%s_%s_%s_%s", project, projectSKU, chipSKU, rimVersion)
	return c.fetch(ctx, id, ComponentVBIOS, expectedVersion)
}

// LoadLocal reads and verifies a RIM document from a local file, the
// alternative to FetchDriverRIM/FetchVBIOSRIM selected by --driver_rim or
// --vbios_rim.
func (c *Client) LoadLocal(ctx context.Context, path string, component Component, expectedVersion string) (*SoftwareIdentity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading local RIM file %q: %w", path, err)
	}
	return c.verify(ctx, raw, component, expectedVersion)
}

// fetch retrieves the RIM document with the given id from the RIM service
// and verifies it, retrying the configured endpoint before falling back to
// the hard-coded NVIDIA RIM service exactly once.
func (c *Client) fetch(ctx context.Context, id string, component Component, expectedVersion string) (*SoftwareIdentity, error) {
	c.log.Info("Fetching RIM", "id", id, "component", component)

	envelope, err := c.getWithFallback(ctx, id)
	if err != nil {
		return nil, err
	}

	computed := sha256.Sum256(envelope.RIM)
	if envelope.SHA256 != hex.EncodeToString(computed[:]) {
		return nil, fmt.Errorf("%w: SHA256 mismatch for RIM %q", verifyerr.ErrRimFetchError, id)
	}

	return c.verify(ctx, envelope.RIM, component, expectedVersion)
}

// getWithFallback GETs the RIM with the given id from the configured
// base URL with bounded retries; if every attempt fails, it is retried
// exactly once against the hard-coded NVIDIA RIM service.
func (c *Client) getWithFallback(ctx context.Context, id string) (rimEnvelope, error) {
	envelope, err := retry.Do(func() (rimEnvelope, error) {
		return c.get(ctx, c.baseURL, id)
	},
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Retrying RIM request", "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return envelope, nil
	}

	if c.baseURL == fallbackURL {
		return rimEnvelope{}, err
	}
	c.log.Warn("Primary RIM endpoint exhausted, falling back", "url", fallbackURL, "error", err)
	return c.get(ctx, fallbackURL, id)
}

// get performs a single GET against baseURL for the RIM with the given id.
func (c *Client) get(ctx context.Context, baseURL, id string) (rimEnvelope, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%sv1/rim/%s", baseURL, id), nil)
	if err != nil {
		return rimEnvelope{}, fmt.Errorf("building RIM request: %w", err)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return rimEnvelope{}, fmt.Errorf("%w: %s", verifyerr.ErrRimFetchError, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return rimEnvelope{}, fmt.Errorf("%w: unexpected status code %d for RIM %q", verifyerr.ErrRimFetchError, res.StatusCode, id)
	}

	var envelope rimEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return rimEnvelope{}, fmt.Errorf("%w: decoding RIM response: %s", verifyerr.ErrRimFetchError, err)
	}
	return envelope, nil
}

// verify runs the full C4 verification protocol against raw RIM bytes:
// schema-validate, parse, check the caller-supplied expected version,
// verify the signing chain against rootAnchor, revoke that chain via
// OCSP, and finally verify the enveloped XML signature.
func (c *Client) verify(ctx context.Context, raw []byte, component Component, expectedVersion string) (*SoftwareIdentity, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("%w: reading XML document: %s", verifyerr.ErrRimSchemaInvalid, err)
	}
	if err := validateSchema(doc); err != nil {
		return nil, fmt.Errorf("%w: %s", verifyerr.ErrRimSchemaInvalid, err)
	}

	var si SoftwareIdentity
	if err := xml.Unmarshal(raw, &si); err != nil {
		return nil, fmt.Errorf("%w: unmarshalling SoftwareIdentity: %s", verifyerr.ErrRimSchemaInvalid, err)
	}

	if expectedVersion != "" && !strings.EqualFold(si.Version, expectedVersion) {
		return nil, fmt.Errorf("%w: %s RIM advertises version %q, expected %q", verifyerr.ErrVersionMismatch, component, si.Version, expectedVersion)
	}

	signingCerts, err := si.SigningCerts()
	if err != nil {
		return nil, fmt.Errorf("extracting RIM signing certificates: %w", err)
	}
	if len(signingCerts) == 0 {
		return nil, fmt.Errorf("%w: RIM document carries no signing certificate", verifyerr.ErrNoCertificates)
	}

	anchors := []*x509.Certificate{c.rootAnchor}
	trusted, err := certchain.Verify(signingCerts, component.ocspMode(), anchors, time.Now())
	if err != nil {
		return nil, fmt.Errorf("verifying %s RIM signing chain: %w", component, err)
	}
	if !trusted {
		return nil, fmt.Errorf("%w: %s RIM signing chain does not terminate at the configured RIM root", verifyerr.ErrCertChainVerification, component)
	}

	if c.ocsp != nil {
		_, warnings, err := c.ocsp.ValidateChainRevocation(ctx, signingCerts, component.ocspMode(), c.ocspPolicy)
		if err != nil {
			return nil, fmt.Errorf("checking revocation of %s RIM signing chain: %w", component, err)
		}
		for _, w := range warnings {
			c.log.Warn("RIM signing chain OCSP warning", "component", component, "warning", w)
		}
	}

	if err := validateXMLSignature(doc, signingCerts); err != nil {
		return nil, fmt.Errorf("%w: %s", verifyerr.ErrSignatureVerification, err)
	}

	return &si, nil
}

// validateSchema checks the minimal SWID/CoSWID structural shape: every
// top-level element the comparator and claims builder later depend on must
// be present, even though this isn't a full XSD conformance check.
func validateSchema(doc *etree.Document) error {
	root := doc.Root()
	if root == nil || root.Tag != "SoftwareIdentity" {
		return fmt.Errorf("missing or unexpected root element")
	}
	for _, tag := range []string{"Entity", "Meta", "Payload", "Signature"} {
		if root.SelectElement(tag) == nil {
			return fmt.Errorf("missing required element %q", tag)
		}
	}
	if root.FindElement("Payload/Resource") == nil {
		return fmt.Errorf("payload carries no measurement resources")
	}
	return nil
}

// validateXMLSignature verifies the enveloped XMLDSig signature against the
// document's own embedded certificate chain.
func validateXMLSignature(doc *etree.Document, signingCerts []*x509.Certificate) error {
	validateCtx := dsig.NewDefaultValidationContext(&dsig.MemoryX509CertificateStore{
		Roots: signingCerts,
	})
	if _, err := validateCtx.Validate(doc.Root()); err != nil {
		return fmt.Errorf("validating XML signature: %w", err)
	}
	return nil
}

// rimEnvelope is the JSON wrapper NVIDIA's RIM service returns around the
// RIM document itself.
type rimEnvelope struct {
	ID          string `json:"id"`
	RIM         []byte `json:"rim"`
	SHA256      string `json:"sha256"`
	LastUpdated string `json:"last_updated"`
	RIMFormat   string `json:"rim_format"`
	RequestID   string `json:"request_id"`
}
