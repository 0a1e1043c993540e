package evidence

import (
	"crypto/x509"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/gpuattest/internal/certchain"
	"github.com/edgelesssys/gpuattest/internal/report"
)

func TestFixtureSourceRoundTrip(t *testing.T) {
	source, anchor, err := NewFixtureSource()
	require.NoError(t, err)

	nonce := [32]byte{1, 2, 3}
	gpus, err := source.List(t.Context(), nonce)
	require.NoError(t, err)
	require.Len(t, gpus, 1)

	gpu := gpus[0]
	assert.Equal(t, ArchitectureHopper, gpu.Architecture)
	assert.Len(t, gpu.CertChain, 5)

	trusted, err := certchain.Verify(gpu.CertChain, certchain.ModeGPUAttestation, []*x509.Certificate{anchor}, time.Now())
	require.NoError(t, err)
	assert.True(t, trusted)

	parsed, err := report.ParseReport(gpu.ReportBytes)
	require.NoError(t, err)
	assert.Equal(t, nonce, parsed.Request.Nonce)
	assert.Equal(t, fixtureDriverVersion, parsed.DriverVersion())

	require.NoError(t, parsed.Verify(report.VerifySettings{
		LeafCert:      gpu.CertChain[0],
		Nonce:         nonce,
		DriverVersion: gpu.DriverVersion,
		VBIOSVersion:  gpu.VBIOSVersion,
	}))
}

func TestFixtureSourceReissuesPerNonce(t *testing.T) {
	source, _, err := NewFixtureSource()
	require.NoError(t, err)

	first, err := source.List(t.Context(), [32]byte{1})
	require.NoError(t, err)
	second, err := source.List(t.Context(), [32]byte{2})
	require.NoError(t, err)

	assert.NotEqual(t, first[0].ReportBytes, second[0].ReportBytes)
}
