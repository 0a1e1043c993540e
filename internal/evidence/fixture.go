package evidence

// FixtureSource synthesizes a single self-consistent GPU evidence set
// in-process — a five-certificate chain plus an SPDM attestation report
// signed by the chain's leaf key — so a --test_no_gpu run can exercise
// C1 (report parsing), C2 (chain verification), and C5 (report
// verification) without a physical GPU. It does not supply a driver or
// VBIOS RIM: those still come from --driver_rim/--vbios_rim or the
// configured RIM/OCSP service URLs, exactly as in a real run.

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/edgelesssys/gpuattest/internal/report"
)

// fwidOID duplicates certchain's FWID extension OID; the fixture only
// needs to stamp a recognizable value, not import the verifier package
// for a single constant.
var fwidOID = asn1.ObjectIdentifier{2, 23, 133, 5, 4, 1}

const (
	fixtureUUID          = "GPU-00000000-0000-0000-0000-000000000000"
	fixtureDriverVersion = "550.54.15"
)

// fixtureSource is the Source implementation behind --test_no_gpu.
type fixtureSource struct {
	chain        []*x509.Certificate
	leafKey      *ecdsa.PrivateKey
	vbiosRaw     []byte
	vbiosVersion string
	fwid         []byte
}

// NewFixtureSource builds the synthetic chain once and returns a Source
// that reissues its report against whatever nonce List is called with,
// alongside the root certificate the caller must trust in place of the
// built-in NVIDIA anchor for this run.
func NewFixtureSource() (Source, *x509.Certificate, error) {
	fwid := make([]byte, 48)
	for i := range fwid {
		fwid[i] = byte(i)
	}

	// ModeGPUAttestation requires exactly five certificates, so the fixture
	// chain mirrors the real device-identity chain's depth: root, two
	// intermediates, the board's device-identity cert, and the on-demand
	// attestation leaf.
	root, rootKey, err := makeFixtureCert("gpuattest-fixture-root", nil, nil, true, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating fixture root: %w", err)
	}
	intermediate1, inter1Key, err := makeFixtureCert("gpuattest-fixture-intermediate-1", root, rootKey, true, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating fixture intermediate: %w", err)
	}
	intermediate2, inter2Key, err := makeFixtureCert("gpuattest-fixture-intermediate-2", intermediate1, inter1Key, true, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating fixture intermediate: %w", err)
	}
	deviceIdentity, deviceKey, err := makeFixtureCert("GH100-A01", intermediate2, inter2Key, true, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("generating fixture device-identity cert: %w", err)
	}
	leaf, leafKey, err := makeFixtureCert("gpuattest-fixture-leaf", deviceIdentity, deviceKey, false,
		[]pkix.Extension{{Id: fwidOID, Value: fwid}})
	if err != nil {
		return nil, nil, fmt.Errorf("generating fixture leaf: %w", err)
	}

	vbiosRaw := []byte{0x00, 0x74, 0x00, 0x96}
	vbiosVersion, err := report.FormatVBIOSVersion(vbiosRaw)
	if err != nil {
		return nil, nil, fmt.Errorf("formatting fixture VBIOS version: %w", err)
	}

	return &fixtureSource{
		chain:        []*x509.Certificate{leaf, deviceIdentity, intermediate2, intermediate1, root},
		leafKey:      leafKey,
		vbiosRaw:     vbiosRaw,
		vbiosVersion: vbiosVersion,
		fwid:         fwid,
	}, root, nil
}

// List implements Source.
func (s *fixtureSource) List(_ context.Context, nonce [32]byte) ([]GPU, error) {
	reportBytes, err := buildFixtureReport(nonce, s.leafKey, s.vbiosRaw, s.fwid)
	if err != nil {
		return nil, fmt.Errorf("building fixture report: %w", err)
	}
	return []GPU{{
		UUID:          fixtureUUID,
		Architecture:  ArchitectureHopper,
		DriverVersion: fixtureDriverVersion,
		VBIOSVersion:  s.vbiosVersion,
		ReportBytes:   reportBytes,
		CertChain:     s.chain,
	}}, nil
}

// SetReady implements Source. There is no ready state to set for a
// synthetic GPU.
func (s *fixtureSource) SetReady(_ context.Context) error { return nil }

// Close implements Source.
func (s *fixtureSource) Close() error { return nil }

func makeFixtureCert(commonName string, parent *x509.Certificate, parentKey *ecdsa.PrivateKey, isCA bool, extraExtensions []pkix.Extension) (*x509.Certificate, *ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtraExtensions:       extraExtensions,
	}

	signerTemplate, signerKey := template, key
	if parent != nil {
		signerTemplate, signerKey = parent, parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerTemplate, &key.PublicKey, signerKey)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

// buildFixtureReport encodes a report byte stream matching report.go's
// parser exactly: a GET_MEASUREMENTS request half carrying nonce, and a
// MEASUREMENTS response half with one measurement record, the opaque
// fields the verifier reads, and a trailing ECDSA-P384/SHA-384 signature
// over the whole report minus the signature itself.
func buildFixtureReport(nonce [32]byte, leafKey *ecdsa.PrivateKey, vbiosRaw, fwid []byte) ([]byte, error) {
	requestBytes := make([]byte, 37)
	requestBytes[0] = 0x11 // SPDM version
	requestBytes[1] = 0xE0 // GET_MEASUREMENTS request/response code
	copy(requestBytes[4:36], nonce[:])

	measurementValue := make([]byte, 48)
	for i := range measurementValue {
		measurementValue[i] = 0xAA
	}
	measurementBlock := encodeMeasurementBlock(0, 1, measurementValue)

	opaque := encodeOpaqueData(map[report.OpaqueFieldID][]byte{
		report.OpaqueFieldIDDriverVersion: []byte(fixtureDriverVersion),
		report.OpaqueFieldIDVBIOSVersion:  vbiosRaw,
		report.OpaqueFieldIDProject:       []byte("PG500"),
		report.OpaqueFieldIDProjectSKU:    []byte("0000"),
		report.OpaqueFieldIDChipSKU:       []byte("900-2G500"),
		report.OpaqueFieldIDFWID:          fwid,
	})

	header := make([]byte, 8)
	header[0] = 0x11 // SPDM version
	header[1] = 0x60 // MEASUREMENTS response code
	header[4] = 1    // NumberOfBlocks
	mrLen := len(measurementBlock)
	header[5] = byte(mrLen)
	header[6] = byte(mrLen >> 8)
	header[7] = byte(mrLen >> 16)

	responseBytes := append([]byte(nil), header...)
	responseBytes = append(responseBytes, measurementBlock...)
	responseBytes = append(responseBytes, nonce[:]...)

	opaqueLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(opaqueLen, uint16(len(opaque)))
	responseBytes = append(responseBytes, opaqueLen...)
	responseBytes = append(responseBytes, opaque...)

	signed := append([]byte(nil), requestBytes...)
	signed = append(signed, responseBytes...)
	digest := sha512.Sum384(signed)

	r, sVal, err := ecdsa.Sign(rand.Reader, leafKey, digest[:])
	if err != nil {
		return nil, fmt.Errorf("signing fixture report: %w", err)
	}
	signature := make([]byte, 96)
	r.FillBytes(signature[:48])
	sVal.FillBytes(signature[48:])
	responseBytes = append(responseBytes, signature...)

	return append(requestBytes, responseBytes...), nil
}

func encodeMeasurementBlock(wireIndex, valueType uint8, value []byte) []byte {
	block := make([]byte, 3+len(value))
	block[0] = valueType
	binary.LittleEndian.PutUint16(block[1:3], uint16(len(value)))
	copy(block[3:], value)

	record := make([]byte, 4+len(block))
	record[0] = wireIndex
	record[1] = 0x01 // DMTF measurement specification
	binary.LittleEndian.PutUint16(record[2:4], uint16(len(block)))
	copy(record[4:], block)
	return record
}

func encodeOpaqueData(fields map[report.OpaqueFieldID][]byte) []byte {
	var out []byte
	for tag, value := range fields {
		entry := make([]byte, 4+len(value))
		binary.LittleEndian.PutUint16(entry[0:2], uint16(tag))
		binary.LittleEndian.PutUint16(entry[2:4], uint16(len(value)))
		copy(entry[4:], value)
		out = append(out, entry...)
	}
	return out
}
