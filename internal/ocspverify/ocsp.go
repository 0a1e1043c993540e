/*
Package ocspverify validates the revocation status of a certificate chain
against NVIDIA's OCSP responder, applying the grace/extension policy
described in [Policy] so that a recently revoked or slightly expired
response degrades to a warning instead of an outright failure.
*/
package ocspverify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/crypto/ocsp"

	"github.com/edgelesssys/gpuattest/internal/certchain"
	"github.com/edgelesssys/gpuattest/internal/ocspstatus"
	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// fallbackURL is attempted exactly once after the configured URL is exhausted.
const fallbackURL = "https://ocsp.ndis.nvidia.com"

// ocspNonceOID is the id-pkix-ocsp-nonce extension, RFC 8954.
var ocspNonceOID = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

// Client validates certificate chains against NVIDIA's OCSP responder.
type Client struct {
	httpClient    *http.Client
	url           string
	log           *slog.Logger
	retryAttempts uint
	retryDelay    time.Duration
	nonceEnabled  bool
}

// Option configures a Client.
type Option func(*Client)

// WithRetry overrides the retry attempt count and per-attempt delay.
// The default is 3 attempts, 2 seconds apart.
func WithRetry(attempts uint, delay time.Duration) Option {
	return func(c *Client) { c.retryAttempts = attempts; c.retryDelay = delay }
}

// WithNonce enables the OCSP nonce extension on outgoing requests.
func WithNonce(enabled bool) Option {
	return func(c *Client) { c.nonceEnabled = enabled }
}

// New creates a Client targeting url, the operator-configured OCSP service.
func New(url string, log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		httpClient:    &http.Client{},
		url:           url,
		log:           log,
		retryAttempts: 3,
		retryDelay:    2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ValidateChainRevocation checks the OCSP status of every certificate in
// chain against its issuer, combining the per-certificate results with
// [ocspstatus.Combine]. The GPU attestation chain's on-demand leaf is
// skipped, since it carries no OCSP entry of its own; every other chain
// mode validates starting at its own leaf.
func (c *Client) ValidateChainRevocation(ctx context.Context, chain []*x509.Certificate, mode certchain.Mode, policy Policy) (status ocspstatus.Status, warnings []string, err error) {
	start := 0
	if mode == certchain.ModeGPUAttestation {
		start = 1
	}

	var statuses []ocspstatus.Status
	for i := start; i < len(chain)-1; i++ {
		certStatus, certWarnings, err := c.verifyCertificate(ctx, chain[i], chain[i+1], mode, policy)
		warnings = append(warnings, certWarnings...)
		if err != nil {
			return ocspstatus.Unknown, warnings, fmt.Errorf("OCSP verification failed for certificate %d: %w", i, err)
		}
		statuses = append(statuses, certStatus)
	}

	return ocspstatus.Combine(statuses), warnings, nil
}

// verifyCertificate runs the per-certificate protocol of §4.3: build and
// send the request, validate the response's framing and signing chain, then
// classify the certificate's status against policy.
func (c *Client) verifyCertificate(ctx context.Context, cert, issuer *x509.Certificate, mode certchain.Mode, policy Policy) (status ocspstatus.Status, warnings []string, err error) {
	reqOpts := &ocsp.RequestOptions{Hash: crypto.SHA384}
	reqBytes, err := ocsp.CreateRequest(cert, issuer, reqOpts)
	if err != nil {
		return ocspstatus.Unknown, nil, fmt.Errorf("building OCSP request: %w", err)
	}

	var sentNonce []byte
	if c.nonceEnabled {
		reqBytes, sentNonce, err = addNonceExtension(reqBytes)
		if err != nil {
			return ocspstatus.Unknown, nil, fmt.Errorf("adding OCSP nonce extension: %w", err)
		}
	}

	respBody, err := c.postWithFallback(ctx, reqBytes)
	if err != nil {
		return ocspstatus.Unknown, nil, fmt.Errorf("%w: %s", verifyerr.ErrOcspFetchFailure, err)
	}

	resp, err := ocsp.ParseResponse(respBody, issuer)
	if err != nil {
		return ocspstatus.Unknown, nil, fmt.Errorf("parsing OCSP response: %w", err)
	}

	if sentNonce != nil && !bytes.Equal(resp.Nonce, sentNonce) {
		return ocspstatus.Unknown, nil, fmt.Errorf("OCSP response nonce does not match the request nonce")
	}

	// A delegated responder certificate is verified against the chain's own
	// issuer, in OCSP_RESPONSE mode, so this never recurses into OCSP again.
	// A response signed by the issuer itself carries no delegated certificate
	// to check beyond what ParseResponse already verified.
	if resp.Certificate != nil && !resp.Certificate.Equal(issuer) {
		if _, err := certchain.Verify([]*x509.Certificate{resp.Certificate, issuer}, certchain.ModeOCSPResponse, []*x509.Certificate{issuer}, time.Now()); err != nil {
			return ocspstatus.Unknown, nil, fmt.Errorf("verifying OCSP responder certificate: %w", err)
		}
	}

	now := time.Now()
	extendedNextUpdate := resp.NextUpdate.Add(policy.ValidityExtension)
	switch {
	case now.Before(resp.ThisUpdate):
		return ocspstatus.Unknown, nil, fmt.Errorf("OCSP response is not yet valid (this_update %s is in the future)", resp.ThisUpdate)
	case !now.After(resp.NextUpdate):
		// within the original validity window
	case !now.After(extendedNextUpdate):
		warnings = append(warnings, fmt.Sprintf("OCSP response for %q is past its next_update but within the %s validity extension", cert.Subject.CommonName, policy.ValidityExtension))
	default:
		return ocspstatus.Unknown, nil, fmt.Errorf("OCSP response for %q expired at %s (with extension until %s)", cert.Subject.CommonName, resp.NextUpdate, extendedNextUpdate)
	}

	return c.classify(cert, resp, mode, policy, warnings)
}

// classify maps the OCSP response status onto the grace policy: good passes
// outright, unknown always fails, and revoked either passes with a warning
// (within grace, or certificate_hold with AllowHoldCert) or fails.
func (c *Client) classify(cert *x509.Certificate, resp *ocsp.Response, mode certchain.Mode, policy Policy, warnings []string) (ocspstatus.Status, []string, error) {
	switch resp.Status {
	case ocsp.Good:
		return ocspstatus.Good, warnings, nil

	case ocsp.Unknown:
		return ocspstatus.Unknown, warnings, fmt.Errorf("%w: %s", verifyerr.ErrCertStatusUnknown, cert.Subject.CommonName)

	case ocsp.Revoked:
		reason := revocationReasonString(resp.RevocationReason)
		revokedStatus := ocspstatus.Revoked(resp.RevokedAt)

		if resp.RevocationReason == ocsp.CertificateHold && policy.AllowHoldCert {
			warnings = append(warnings, fmt.Sprintf("%q IS REVOKED FOR %q but accepted due to allow_hold_cert", cert.Subject.CommonName, reason))
			return revokedStatus, warnings, nil
		}

		extension := policy.RevocationExtensionFor(mode)
		graceUntil := resp.RevokedAt.Add(extension)
		if time.Now().Before(graceUntil) {
			warnings = append(warnings,
				fmt.Sprintf("%q IS REVOKED FOR %q", cert.Subject.CommonName, reason),
				fmt.Sprintf("STILL GOOD FOR ATTESTATION UNTIL %s", graceUntil.Format(time.RFC3339)),
			)
			return revokedStatus, warnings, nil
		}

		return revokedStatus, warnings, fmt.Errorf("%w: %q revoked at %s for %q, past the %s grace window",
			verifyerr.ErrCertRevoked, cert.Subject.CommonName, resp.RevokedAt, reason, extension)

	default:
		return ocspstatus.Unknown, warnings, fmt.Errorf("unexpected OCSP response status %d", resp.Status)
	}
}

// postWithFallback POSTs reqBytes to the configured URL with bounded
// retries; if every attempt fails, it is retried exactly once against the
// hard-coded NVIDIA OCSP endpoint.
func (c *Client) postWithFallback(ctx context.Context, reqBytes []byte) ([]byte, error) {
	body, err := retry.Do(func() ([]byte, error) {
		return c.post(ctx, c.url, reqBytes)
	},
		retry.Attempts(c.retryAttempts),
		retry.Delay(c.retryDelay),
		retry.OnRetry(func(n uint, err error) {
			c.log.Warn("Retrying OCSP request", "attempt", n, "error", err)
		}),
	)
	if err == nil {
		return body, nil
	}

	c.log.Warn("Primary OCSP endpoint exhausted, falling back", "url", fallbackURL, "error", err)
	return c.post(ctx, fallbackURL, reqBytes)
}

func (c *Client) post(ctx context.Context, url string, reqBytes []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %s: %s", resp.Status, string(respBody))
	}
	return respBody, nil
}

// addNonceExtension appends a critical OCSP nonce extension to a
// DER-encoded OCSPRequest. golang.org/x/crypto/ocsp does not expose nonce
// injection directly, so this re-wraps the already-built request with one
// more top-level extension — the one spot this package builds its own
// ASN.1 rather than relying fully on the library.
func addNonceExtension(reqBytes []byte) (withNonce []byte, nonce []byte, err error) {
	nonce = make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}

	var req ocspRequest
	if _, err := asn1.Unmarshal(reqBytes, &req); err != nil {
		return nil, nil, fmt.Errorf("re-parsing OCSP request for nonce injection: %w", err)
	}

	nonceValue, err := asn1.Marshal(nonce)
	if err != nil {
		return nil, nil, err
	}
	req.TBSRequest.RequestExtensions = append(req.TBSRequest.RequestExtensions, pkixExtension{
		ID:       ocspNonceOID,
		Critical: true,
		Value:    nonceValue,
	})

	out, err := asn1.Marshal(req)
	if err != nil {
		return nil, nil, err
	}
	return out, nonce, nil
}

// pkixExtension mirrors pkix.Extension's ASN.1 shape for re-marshalling.
type pkixExtension struct {
	ID       asn1.ObjectIdentifier
	Critical bool `asn1:"optional"`
	Value    []byte
}

// ocspRequest mirrors the minimal OCSPRequest ASN.1 structure (RFC 6960
// §4.1.1) needed to append a request extension after the fact.
type ocspRequest struct {
	TBSRequest tbsRequest
}

type tbsRequest struct {
	Version           int `asn1:"explicit,tag:0,default:0,optional"`
	RequestorName     asn1.RawValue      `asn1:"explicit,tag:1,optional"`
	RequestList       []asn1.RawValue
	RequestExtensions []pkixExtension `asn1:"explicit,tag:2,optional"`
}

func revocationReasonString(reason int) string {
	switch reason {
	case ocsp.Unspecified:
		return "unspecified"
	case ocsp.KeyCompromise:
		return "key_compromise"
	case ocsp.CACompromise:
		return "ca_compromise"
	case ocsp.AffiliationChanged:
		return "affiliation_changed"
	case ocsp.Superseded:
		return "superseded"
	case ocsp.CessationOfOperation:
		return "cessation_of_operation"
	case ocsp.CertificateHold:
		return "certificate_hold"
	case ocsp.RemoveFromCRL:
		return "remove_from_crl"
	case ocsp.PrivilegeWithdrawn:
		return "privilege_withdrawn"
	case ocsp.AACompromise:
		return "aa_compromise"
	default:
		return fmt.Sprintf("reason_%d", reason)
	}
}
