// Package eat assembles the per-GPU and whole-run verification outcomes
// into a signed Entity Attestation Token (EAT), a JWT carrying the
// x-nvidia-* claim vocabulary NVIDIA's remote attestation service uses.
package eat

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/edgelesssys/gpuattest/internal/nonce"
)

const (
	eatVersion      = "EAT-21"
	nvidiaVersion   = "2.0"
	attestationType = "GPU"
	gpuManufacturer = "NVIDIA"
	tokenLifetime   = time.Hour

	// MeasurementResultSuccess/Failure are the two values of the "measres" claim.
	MeasurementResultSuccess = "comparison-successful"
	MeasurementResultFailure = "comparison-failed"
)

// MismatchRecord describes a single measurement index whose reported value
// didn't match any of its golden alternatives.
type MismatchRecord struct {
	Index        int    `json:"index"`
	GoldenValue  string `json:"goldenValue"`
	RuntimeValue string `json:"runtimeValue"`
	GoldenSize   int    `json:"goldenSize"`
	RuntimeSize  int    `json:"runtimeSize"`
}

// DetailedResult holds the per-boolean verification marks the orchestrator
// sets, one claim per state-machine milestone C7 reaches.
type DetailedResult struct {
	DriverRIMSchemaFetched               bool             `json:"x-nvidia-gpu-driver-rim-schema-fetched"`
	DriverRIMSchemaValidated             bool             `json:"x-nvidia-gpu-driver-rim-schema-validated"`
	DriverRIMCertValidated               bool             `json:"x-nvidia-gpu-driver-rim-cert-validated"`
	DriverRIMSignatureVerified           bool             `json:"x-nvidia-gpu-driver-rim-signature-verified"`
	DriverRIMMeasurementsAvailable       bool             `json:"x-nvidia-gpu-driver-rim-driver-measurements-available"`
	VBIOSRIMSchemaFetched                bool             `json:"x-nvidia-gpu-vbios-rim-schema-fetched"`
	VBIOSRIMSchemaValidated              bool             `json:"x-nvidia-gpu-vbios-rim-schema-validated"`
	VBIOSRIMCertValidated                bool             `json:"x-nvidia-gpu-vbios-rim-cert-validated"`
	VBIOSRIMSignatureVerified            bool             `json:"x-nvidia-gpu-vbios-rim-signature-verified"`
	VBIOSRIMMeasurementsAvailable        bool             `json:"x-nvidia-gpu-vbios-rim-measurements-available"`
	AttestationReportParsed              bool             `json:"x-nvidia-gpu-attestation-report-parsed"`
	AttestationReportCertChainValidated  bool             `json:"x-nvidia-gpu-attestation-report-cert-chain-validated"`
	AttestationReportSignatureVerified   bool             `json:"x-nvidia-gpu-attestation-report-signature-verified"`
	NonceMatch                           bool             `json:"x-nvidia-gpu-nonce-match"`
	ArchCheck                            bool             `json:"x-nvidia-gpu-arch-check"`
	MeasurementsMatch                    bool             `json:"x-nvidia-gpu-measurements-match"`
	MismatchIndexes                      []int            `json:"x-nvidia-mismatch-indexes"`
	MismatchMeasurementRecords           []MismatchRecord `json:"x-nvidia-mismatch-measurement-records"`
	Warnings                             []string         `json:"x-nvidia-gpu-attestation-warnings"`
}

// GPUClaims is the claim set for a single GPU, keyed by UUID in the
// token's top-level GPU map.
type GPUClaims struct {
	UUID              string          `json:"sub"`
	SecureBoot        bool            `json:"secboot"`
	DebugStatus       string          `json:"dbgstat"`
	HardwareModel     string          `json:"hwmodel"`
	OEMID             string          `json:"oemid"`
	MeasurementResult string          `json:"measres"`
	UEID              string          `json:"ueid"`
	DriverVersion     string          `json:"x-nvidia-gpu-driver-version"`
	VBIOSVersion      string          `json:"x-nvidia-gpu-vbios-version"`
	Overall           bool            `json:"x-nvidia-gpu-overall-result"`
	Detailed          DetailedResult  `json:"x-nvidia-attestation-detailed-result"`
}

// NewGPUClaims returns a GPUClaims with every mark in its failure state, so
// the orchestrator only has to flip the marks it actually reaches.
func NewGPUClaims(uuid string) GPUClaims {
	return GPUClaims{
		UUID:              uuid,
		DebugStatus:       "enabled",
		MeasurementResult: MeasurementResultFailure,
	}
}

// ClaimSet is the whole-run input to Build: the per-GPU claim sets plus the
// aggregate result across all of them.
type ClaimSet struct {
	Overall bool                 `json:"x-nvidia-overall-attestation-result"`
	GPUs    map[string]GPUClaims `json:"x-nvidia-gpus"`
}

// Signer pairs a JWT signing method with its key, so HS256 development
// defaults and an attester-supplied asymmetric signer share one call shape.
type Signer struct {
	Method jwt.SigningMethod
	Key    any
}

// developmentKey is used only when the harness configures no signer; it
// exists so the pipeline can be exercised end-to-end without key
// provisioning, never for a token a relying party should trust.
var developmentKey = []byte("gpuattest-development-signing-key-do-not-trust")

// DevelopmentSigner returns the HS256 development-default signer.
func DevelopmentSigner() Signer {
	return Signer{Method: jwt.SigningMethodHS256, Key: developmentKey}
}

// Build signs claims into a JWT carrying the x-nvidia-* EAT claim
// vocabulary, binding n as the eat_nonce claim.
func Build(claims ClaimSet, n nonce.Nonce, issuer string, signer Signer) (string, error) {
	now := time.Now()
	mapClaims := jwt.MapClaims{
		"iss":                                 issuer,
		"iat":                                 now.Unix(),
		"nbf":                                 now.Unix(),
		"exp":                                 now.Add(tokenLifetime).Unix(),
		"jti":                                 uuid.NewString(),
		"eat_nonce":                           n.String(),
		"x-nvidia-ver":                        nvidiaVersion,
		"x-nvidia-eat-ver":                    eatVersion,
		"x-nvidia-attestation-type":           attestationType,
		"x-nvidia-gpu-manufacturer":           gpuManufacturer,
		"x-nvidia-overall-attestation-result": claims.Overall,
		"x-nvidia-gpus":                       claims.GPUs,
	}

	token := jwt.NewWithClaims(signer.Method, mapClaims)
	signed, err := token.SignedString(signer.Key)
	if err != nil {
		return "", fmt.Errorf("signing EAT: %w", err)
	}
	return signed, nil
}
