/*
Package orchestrator drives one GPU's evidence through every verification
stage in order — report parsing, certificate chain verification, OCSP
revocation, report signature/identity verification, RIM fetch and
verification, and measurement comparison — and aggregates the per-GPU
outcomes into a whole-run result.

This mirrors the Host Harness's own verification loop: each stage records
its outcome on the GPU's claim set before the next stage runs, so a
failure partway through still yields a claim set describing exactly how
far the GPU got.
*/
package orchestrator

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v5"
	"golang.org/x/sync/errgroup"

	"github.com/edgelesssys/gpuattest/internal/certchain"
	"github.com/edgelesssys/gpuattest/internal/config"
	"github.com/edgelesssys/gpuattest/internal/eat"
	"github.com/edgelesssys/gpuattest/internal/evidence"
	"github.com/edgelesssys/gpuattest/internal/measurement"
	"github.com/edgelesssys/gpuattest/internal/nonce"
	"github.com/edgelesssys/gpuattest/internal/ocspverify"
	"github.com/edgelesssys/gpuattest/internal/report"
	"github.com/edgelesssys/gpuattest/internal/rim"
	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// GPUResult is the outcome of attesting a single GPU: its claim set (which
// also carries the non-fatal warnings accumulated along the way, in
// Claims.Detailed.Warnings) and the first fatal error encountered (nil on
// success).
type GPUResult struct {
	UUID    string
	Overall bool
	Claims  eat.GPUClaims
	Err     error
}

// Result is the whole-run outcome across every GPU the Evidence Source returned.
type Result struct {
	Overall bool
	GPUs    []GPUResult
}

// Orchestrator drives the per-GPU verification state machine. It holds the
// long-lived clients the Host Harness constructs once per run.
type Orchestrator struct {
	anchors []*x509.Certificate
	ocsp    *ocspverify.Client
	rim     *rim.Client
	log     *slog.Logger
}

// New returns an Orchestrator verifying device chains against anchors and
// using ocspClient/rimClient for revocation and reference-integrity checks.
func New(anchors []*x509.Certificate, ocspClient *ocspverify.Client, rimClient *rim.Client, log *slog.Logger) *Orchestrator {
	return &Orchestrator{anchors: anchors, ocsp: ocspClient, rim: rimClient, log: log}
}

// AttestAll runs AttestGPU over every GPU and aggregates the results. The
// whole-run overall result is the logical AND of every GPU's overall
// result; an empty gpus slice yields an Overall of false.
func (o *Orchestrator) AttestAll(ctx context.Context, gpus []evidence.GPU, n nonce.Nonce, settings config.Settings) Result {
	results := make([]GPUResult, len(gpus))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, gpu := range gpus {
		group.Go(func() error {
			results[i] = o.attestWithRetry(groupCtx, gpu, n, settings)
			return nil
		})
	}
	// Per-GPU attestation never returns an error from this goroutine; each
	// failure is recorded on its own GPUResult instead, so every GPU gets a
	// claim set even when a sibling fails.
	_ = group.Wait()

	overall := len(results) > 0
	for _, r := range results {
		if !r.Overall {
			overall = false
		}
	}
	return Result{Overall: overall, GPUs: results}
}

// attestWithRetry runs AttestGPU up to three times in all, two seconds apart,
// when the caller's policy allows retrying a failed attestation attempt.
// Identity mismatches and malformed evidence are not retried — retrying
// changes nothing about a GPU's identity or the bytes it already returned.
func (o *Orchestrator) attestWithRetry(ctx context.Context, gpu evidence.GPU, n nonce.Nonce, settings config.Settings) GPUResult {
	if !settings.AllowRetry {
		return o.AttestGPU(ctx, gpu, n, settings)
	}

	// Keep the last attempt's result: on a final failure retry.Do returns the
	// zero value, which would lose the GPU's UUID, claims, and error.
	var result GPUResult
	_, _ = retry.Do(func() (GPUResult, error) {
		result = o.AttestGPU(ctx, gpu, n, settings)
		if result.Err != nil && isRetryable(result.Err) {
			return result, result.Err
		}
		return result, nil
	},
		retry.Attempts(3),
		retry.Delay(2*time.Second),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	return result
}

// isRetryable reports whether err names a condition a second attempt could
// plausibly resolve: a transient fetch failure, never an identity or
// cryptographic mismatch baked into the evidence itself.
func isRetryable(err error) bool {
	return errors.Is(err, verifyerr.ErrOcspFetchFailure) ||
		errors.Is(err, verifyerr.ErrRimFetchError) ||
		errors.Is(err, verifyerr.ErrAborted)
}

// AttestGPU runs one GPU's evidence through the full verification pipeline,
// stopping at the first fatal error. Every stage reached before that error
// still leaves its mark on the returned claim set.
func (o *Orchestrator) AttestGPU(ctx context.Context, gpu evidence.GPU, n nonce.Nonce, settings config.Settings) GPUResult {
	claims := eat.NewGPUClaims(gpu.UUID)
	claims.DriverVersion = gpu.DriverVersion
	claims.VBIOSVersion = gpu.VBIOSVersion

	fail := func(err error) GPUResult {
		return GPUResult{UUID: gpu.UUID, Overall: false, Claims: claims, Err: err}
	}

	if gpu.Architecture != evidence.ArchitectureHopper {
		return fail(fmt.Errorf("%w: %s", verifyerr.ErrUnsupportedArchitecture, gpu.Architecture))
	}
	claims.Detailed.ArchCheck = true

	parsed, err := report.ParseReport(gpu.ReportBytes)
	if err != nil {
		return fail(err)
	}
	claims.Detailed.AttestationReportParsed = true

	trusted, err := certchain.Verify(gpu.CertChain, certchain.ModeGPUAttestation, o.anchors, time.Now())
	if err != nil {
		return fail(err)
	}
	if !trusted {
		return fail(fmt.Errorf("%w: chain root is not a recognized trust anchor", verifyerr.ErrCertChainVerification))
	}
	claims.Detailed.AttestationReportCertChainValidated = true

	leaf := gpu.CertChain[0]
	claims.HardwareModel = gpu.CertChain[1].Subject.CommonName
	claims.UEID = leaf.SerialNumber.String()

	certFWID := certchain.ExtractFWID(leaf)
	reportFWID := parsed.FWID()
	if !bytes.Equal(certFWID, reportFWID) {
		return fail(fmt.Errorf("%w: leaf certificate FWID does not match the report's FWID opaque field", verifyerr.ErrCertChainVerification))
	}

	policy := PolicyFor(settings)
	_, warnings, err := o.ocsp.ValidateChainRevocation(ctx, gpu.CertChain, certchain.ModeGPUAttestation, policy)
	claims.Detailed.Warnings = append(claims.Detailed.Warnings, warnings...)
	if err != nil {
		return fail(err)
	}

	if err := parsed.Verify(report.VerifySettings{
		LeafCert:      leaf,
		Nonce:         n,
		DriverVersion: gpu.DriverVersion,
		VBIOSVersion:  gpu.VBIOSVersion,
	}); err != nil {
		return fail(err)
	}
	claims.Detailed.NonceMatch = true
	claims.Detailed.AttestationReportSignatureVerified = true

	driverRIM, vbiosRIM, err := o.fetchRIMs(ctx, parsed, gpu, settings, &claims)
	if err != nil {
		return fail(err)
	}

	claims.OEMID = vbiosRIM.ManufacturerID()
	if claims.OEMID == "" {
		claims.OEMID = driverRIM.ManufacturerID()
	}

	golden, err := rim.GoldenMeasurements(driverRIM, vbiosRIM)
	if err != nil {
		return fail(err)
	}
	if err := measurement.Compare(parsed.Measurements(), golden, nil); err != nil {
		return fail(err)
	}
	claims.Detailed.MeasurementsMatch = true
	claims.MeasurementResult = eat.MeasurementResultSuccess

	claims.Overall = true
	return GPUResult{UUID: gpu.UUID, Overall: true, Claims: claims}
}

// fetchRIMs loads the driver and VBIOS RIMs, from local files when the
// harness configured --driver_rim/--vbios_rim, from the RIM service
// otherwise, marking each fetch/validate stage's claim along the way.
func (o *Orchestrator) fetchRIMs(ctx context.Context, parsed *report.Report, gpu evidence.GPU, settings config.Settings, claims *eat.GPUClaims) (driverRIM, vbiosRIM *rim.SoftwareIdentity, err error) {
	if settings.DriverRIMPath != "" {
		driverRIM, err = o.rim.LoadLocal(ctx, settings.DriverRIMPath, rim.ComponentDriver, gpu.DriverVersion)
	} else {
		driverRIM, err = o.rim.FetchDriverRIM(ctx, gpu.DriverVersion, gpu.DriverVersion)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("driver RIM: %w", err)
	}
	claims.Detailed.DriverRIMSchemaFetched = true
	claims.Detailed.DriverRIMSchemaValidated = true
	claims.Detailed.DriverRIMCertValidated = true
	claims.Detailed.DriverRIMSignatureVerified = true
	claims.Detailed.DriverRIMMeasurementsAvailable = true

	if settings.VBIOSRIMPath != "" {
		vbiosRIM, err = o.rim.LoadLocal(ctx, settings.VBIOSRIMPath, rim.ComponentVBIOS, gpu.VBIOSVersion)
	} else {
		vbiosRIM, err = o.rim.FetchVBIOSRIM(ctx, parsed.Project(), parsed.ProjectSKU(), parsed.ChipSKU(), gpu.VBIOSVersion, gpu.VBIOSVersion)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("VBIOS RIM: %w", err)
	}
	claims.Detailed.VBIOSRIMSchemaFetched = true
	claims.Detailed.VBIOSRIMSchemaValidated = true
	claims.Detailed.VBIOSRIMCertValidated = true
	claims.Detailed.VBIOSRIMSignatureVerified = true
	claims.Detailed.VBIOSRIMMeasurementsAvailable = true

	return driverRIM, vbiosRIM, nil
}

// PolicyFor resolves settings' configured OCSP profile and layers the
// CLI's per-knob overrides on top of it, a zero override leaving the
// profile default untouched.
func PolicyFor(settings config.Settings) ocspverify.Policy {
	policy := ocspverify.PolicyFor(settings.OCSPProfile)
	policy.AllowHoldCert = policy.AllowHoldCert || settings.AllowHoldCert
	if settings.OCSPOverrides.ValidityExtension > 0 {
		policy.ValidityExtension = settings.OCSPOverrides.ValidityExtension
	}
	if settings.OCSPOverrides.DeviceRevocationExtension > 0 {
		policy.DeviceRevocationExtension = settings.OCSPOverrides.DeviceRevocationExtension
	}
	if settings.OCSPOverrides.DriverRIMRevocationExtension > 0 {
		policy.DriverRIMRevocationExtension = settings.OCSPOverrides.DriverRIMRevocationExtension
	}
	if settings.OCSPOverrides.VBIOSRIMRevocationExtension > 0 {
		policy.VBIOSRIMRevocationExtension = settings.OCSPOverrides.VBIOSRIMRevocationExtension
	}
	return policy
}
