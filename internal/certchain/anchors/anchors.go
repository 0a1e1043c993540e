// Package anchors embeds the built-in trust anchors for the attestation
// pipeline: the NVIDIA device-identity root used to verify GPU certificate
// chains. Each anchor is checked against its expected SHA-384 fingerprint at
// package init, so a corrupted or substituted embed fails loudly at process
// start rather than silently weakening chain verification later.
package anchors

import (
	"crypto/sha512"
	_ "embed"
	"encoding/pem"
	"fmt"

	"crypto/x509"
)

//go:embed gpu_device_identity_ca.pem
var gpuDeviceIdentityCACertPEM []byte

// gpuDeviceIdentityFingerprint is the expected SHA-384 fingerprint of the
// embedded NVIDIA device-identity root certificate.
const gpuDeviceIdentityFingerprint = "6ef1e991fc8aed08950601776b6ba8c23abd8d0aa8b3f20406fd6ad3d9857cd38575bb0942f011a15b5dd2918cecaa20"

// GPUDeviceIdentityCA is the built-in NVIDIA device-identity root used to
// anchor GPU attestation certificate chains (see [certchain.ModeGPUAttestation]).
var GPUDeviceIdentityCA = mustLoadVerified(gpuDeviceIdentityCACertPEM, gpuDeviceIdentityFingerprint)

func mustLoadVerified(certPEM []byte, wantFingerprint string) *x509.Certificate {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		panic("anchors: failed to decode embedded trust anchor PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		panic(fmt.Sprintf("anchors: failed to parse embedded trust anchor: %s", err))
	}
	sum := sha512.Sum384(cert.Raw)
	if fmt.Sprintf("%x", sum) != wantFingerprint {
		panic("anchors: embedded trust anchor fingerprint mismatch")
	}
	return cert
}
