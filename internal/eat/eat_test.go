package eat

import (
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/gpuattest/internal/nonce"
)

func TestBuildAndParse(t *testing.T) {
	n, err := nonce.Generate()
	require.NoError(t, err)

	gpuClaims := NewGPUClaims("GPU-00000000-0000-0000-0000-000000000000")
	gpuClaims.Overall = true
	gpuClaims.MeasurementResult = MeasurementResultSuccess
	gpuClaims.Detailed.MeasurementsMatch = true
	gpuClaims.Detailed.NonceMatch = true

	claims := ClaimSet{
		Overall: true,
		GPUs:    map[string]GPUClaims{gpuClaims.UUID: gpuClaims},
	}

	tokenString, err := Build(claims, n, "gpuattest", DevelopmentSigner())
	require.NoError(t, err)
	assert.NotEmpty(t, tokenString)

	parsed, err := jwt.Parse(tokenString, func(*jwt.Token) (any, error) {
		return developmentKey, nil
	})
	require.NoError(t, err)
	require.True(t, parsed.Valid)

	mapClaims, ok := parsed.Claims.(jwt.MapClaims)
	require.True(t, ok)
	assert.Equal(t, n.String(), mapClaims["eat_nonce"])
	assert.Equal(t, true, mapClaims["x-nvidia-overall-attestation-result"])
}

func TestNewGPUClaimsDefaultsToFailure(t *testing.T) {
	claims := NewGPUClaims("gpu-0")
	assert.Equal(t, MeasurementResultFailure, claims.MeasurementResult)
	assert.False(t, claims.Overall)
	assert.Equal(t, "enabled", claims.DebugStatus)
}
