package orchestrator

import (
	"crypto/x509"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/gpuattest/internal/config"
	"github.com/edgelesssys/gpuattest/internal/evidence"
	"github.com/edgelesssys/gpuattest/internal/nonce"
	"github.com/edgelesssys/gpuattest/internal/ocspverify"
	"github.com/edgelesssys/gpuattest/internal/rim"
	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestOrchestrator(t *testing.T, anchors []*x509.Certificate) *Orchestrator {
	t.Helper()
	log := discardLogger()
	ocspClient := ocspverify.New("https://ocsp.invalid.example", log)
	rimClient := rim.New("https://rim.invalid.example", nil, ocspClient, ocspverify.PolicyFor(ocspverify.ProfileDefault), log)
	return New(anchors, ocspClient, rimClient, log)
}

func TestAttestGPURejectsUnsupportedArchitecture(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	gpu := evidence.GPU{UUID: "gpu-0", Architecture: evidence.ArchitectureUnknown}

	result := orch.AttestGPU(t.Context(), gpu, nonce.Nonce{}, config.Settings{})

	assert.False(t, result.Overall)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, verifyerr.ErrUnsupportedArchitecture)
	assert.False(t, result.Claims.Detailed.ArchCheck)
}

func TestAttestGPURejectsMalformedReport(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	gpu := evidence.GPU{UUID: "gpu-0", Architecture: evidence.ArchitectureHopper, ReportBytes: []byte("too short")}

	result := orch.AttestGPU(t.Context(), gpu, nonce.Nonce{}, config.Settings{})

	assert.False(t, result.Overall)
	require.Error(t, result.Err)
	assert.ErrorIs(t, result.Err, verifyerr.ErrMalformedReport)
	assert.True(t, result.Claims.Detailed.ArchCheck)
	assert.False(t, result.Claims.Detailed.AttestationReportParsed)
}

func TestAttestGPURejectsUntrustedChain(t *testing.T) {
	source, _, err := evidence.NewFixtureSource()
	require.NoError(t, err)

	// No anchors configured, so the fixture's self-minted root is never trusted.
	orch := newTestOrchestrator(t, nil)

	n := nonce.Nonce{1, 2, 3}
	gpus, err := source.List(t.Context(), n)
	require.NoError(t, err)

	result := orch.AttestGPU(t.Context(), gpus[0], n, config.Settings{})

	assert.False(t, result.Overall)
	require.Error(t, result.Err)
	assert.True(t, result.Claims.Detailed.AttestationReportParsed)
	assert.False(t, result.Claims.Detailed.AttestationReportCertChainValidated)
}

func TestAttestAllAggregatesOverall(t *testing.T) {
	orch := newTestOrchestrator(t, nil)
	gpus := []evidence.GPU{
		{UUID: "gpu-0", Architecture: evidence.ArchitectureUnknown},
		{UUID: "gpu-1", Architecture: evidence.ArchitectureUnknown},
	}

	result := orch.AttestAll(t.Context(), gpus, nonce.Nonce{}, config.Settings{})

	assert.False(t, result.Overall)
	require.Len(t, result.GPUs, 2)
	for _, gpuResult := range result.GPUs {
		assert.False(t, gpuResult.Overall)
	}
}

func TestPolicyForAppliesOverridesOverProfileDefault(t *testing.T) {
	settings := config.Settings{
		OCSPProfile: ocspverify.ProfileStrict,
		OCSPOverrides: config.OCSPExtensionOverrides{
			ValidityExtension: 48 * time.Hour,
		},
	}

	policy := PolicyFor(settings)

	assert.Equal(t, 48*time.Hour, policy.ValidityExtension)
	assert.Equal(t, time.Duration(0), policy.DeviceRevocationExtension)
}

func TestPolicyForAllowHoldCertUnionsWithProfile(t *testing.T) {
	settings := config.Settings{OCSPProfile: ocspverify.ProfileStrict, AllowHoldCert: true}

	policy := PolicyFor(settings)

	assert.True(t, policy.AllowHoldCert)
}
