/*
Package report parses and verifies the binary SPDM GPU attestation report.

The report is two concatenated SPDM messages: a GET_MEASUREMENTS request
(with the nonce the caller supplied) and its MEASUREMENTS response (with the
measurement records, an opaque tag→bytes block, and a trailing ECDSA
signature). Layout follows DMTF DSP0274 ("Security Protocol and Data Model"),
table 52, as emitted by NVIDIA's Hopper SPDM responder.
*/
package report

import (
	"crypto/ecdsa"
	"crypto/sha512"
	"crypto/x509"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"

	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// OpaqueFieldID identifies a well-known tag in the opaque TLV block.
type OpaqueFieldID uint16

// Opaque field tags used by the Hopper SPDM responder.
const (
	OpaqueFieldIDCertIssuerName OpaqueFieldID = iota + 1
	OpaqueFieldIDCertAuthorityKeyIdentifier
	OpaqueFieldIDDriverVersion
	OpaqueFieldIDGPUInfo
	OpaqueFieldIDSKU
	OpaqueFieldIDVBIOSVersion
	OpaqueFieldIDManufacturerID
	OpaqueFieldIDTamperDetection
	OpaqueFieldIDSMC
	OpaqueFieldIDVPR
	OpaqueFieldIDNvdec0Status
	OpaqueFieldIDMeasurementCount
	OpaqueFieldIDCPRInfo
	OpaqueFieldIDBoardID
	OpaqueFieldIDChipSKU
	OpaqueFieldIDChipSKUMod
	OpaqueFieldIDProject
	OpaqueFieldIDProjectSKU
	OpaqueFieldIDProjectSKUMod
	OpaqueFieldIDFWID
	OpaqueFieldIDProtectedPCIeStatus
	OpaqueFieldIDSwitchPDI
	OpaqueFieldIDFloorsweptPorts
	OpaqueFieldIDPositionID
	OpaqueFieldIDLockSwitchStatus
	OpaqueFieldIDGPULinkConn
	OpaqueFieldIDSysEnableStatus
	OpaqueFieldIDOpaqueDataVersion
	// OpaqueFieldIDInvalid marks a tag that carries no meaning to this verifier.
	OpaqueFieldIDInvalid OpaqueFieldID = 255
)

const (
	// dmtfMeasurementSpecification is the only measurement specification value this verifier accepts.
	// See https://github.com/NVIDIA/nvtrust/blob/main/guest_tools/gpu_verifiers/local_gpu_verifier/src/verifier/attestation/spdm_msrt_resp_msg.py
	dmtfMeasurementSpecification = 0x01
	// requestMessageSize is the fixed size of a GET_MEASUREMENTS request message.
	requestMessageSize = 37
	// signatureLength is the size in bytes of the trailing ECDSA-P384 signature (R||S, 48 bytes each).
	signatureLength = 96
)

// Measurement is a single DMTF measurement block addressed by index.
type Measurement struct {
	Index     uint8
	ValueType uint8
	Value     []byte
}

// OpaqueData is the parsed tag→bytes block carried in the response message.
type OpaqueData struct {
	MeasurementCount []uint32
	Fields           map[OpaqueFieldID][]byte
}

// RequestHeader is the parsed GET_MEASUREMENTS request half of the report.
type RequestHeader struct {
	SPDMVersion         uint8
	RequestResponseCode uint8
	Param1              uint8
	Param2               uint8
	Nonce               [32]byte
	SlotIDParam         uint8
}

// ResponseHeader is the parsed MEASUREMENTS response half of the report.
type ResponseHeader struct {
	SPDMVersion         uint8
	RequestResponseCode uint8
	Param1              uint8
	Param2              uint8
	NumberOfBlocks      uint8
	Measurements        map[uint8]Measurement
	Nonce               [32]byte
	Opaque              OpaqueData
	Signature           []byte
}

// Report is a fully parsed attestation report, split into its raw and
// structured halves so signature verification can re-derive the exact
// signed byte range.
type Report struct {
	requestBytes  []byte
	responseBytes []byte
	Request       RequestHeader
	Response      ResponseHeader
}

// ParseReport decodes a raw attestation report into its request and response
// halves. Parsing is strict: a truncated buffer, an unrecognized measurement
// specification, or a declared length exceeding the remaining buffer all
// fail with ErrMalformedReport.
func ParseReport(data []byte) (*Report, error) {
	if len(data) <= requestMessageSize {
		return nil, fmt.Errorf("%w: need more than %d bytes for the request half, got %d", verifyerr.ErrMalformedReport, requestMessageSize, len(data))
	}

	requestBytes := append([]byte(nil), data[:requestMessageSize]...)
	responseBytes := append([]byte(nil), data[requestMessageSize:]...)

	request, err := parseRequest(requestBytes)
	if err != nil {
		return nil, err
	}
	response, err := parseResponse(responseBytes)
	if err != nil {
		return nil, err
	}

	return &Report{
		requestBytes:  requestBytes,
		responseBytes: responseBytes,
		Request:       request,
		Response:      response,
	}, nil
}

// Opaque returns the bytes stored for tag, and whether it was present.
func (r *Report) Opaque(tag OpaqueFieldID) ([]byte, bool) {
	v, ok := r.Response.Opaque.Fields[tag]
	return v, ok
}

// Measurements returns the report's measurement records ordered by index.
func (r *Report) Measurements() []Measurement {
	out := make([]Measurement, 0, len(r.Response.Measurements))
	for _, m := range r.Response.Measurements {
		out = append(out, m)
	}
	slices.SortFunc(out, func(a, b Measurement) int { return int(a.Index) - int(b.Index) })
	return out
}

// DriverVersion returns the NUL-stripped driver version string from the opaque block.
func (r *Report) DriverVersion() string {
	return opaqueString(r.Response.Opaque.Fields[OpaqueFieldIDDriverVersion])
}

// Project returns the project name opaque field.
func (r *Report) Project() string {
	return opaqueString(r.Response.Opaque.Fields[OpaqueFieldIDProject])
}

// ProjectSKU returns the project SKU opaque field.
func (r *Report) ProjectSKU() string {
	return opaqueString(r.Response.Opaque.Fields[OpaqueFieldIDProjectSKU])
}

// ChipSKU returns the chip SKU opaque field.
func (r *Report) ChipSKU() string {
	return opaqueString(r.Response.Opaque.Fields[OpaqueFieldIDChipSKU])
}

// FWID returns the FWID opaque field, or nil if the report carries none.
func (r *Report) FWID() []byte {
	return r.Response.Opaque.Fields[OpaqueFieldIDFWID]
}

// VBIOSVersion returns the canonical dot-separated uppercase-hex form of the
// raw VBIOS opaque field (see FormatVBIOSVersion).
func (r *Report) VBIOSVersion() (string, error) {
	raw, ok := r.Response.Opaque.Fields[OpaqueFieldIDVBIOSVersion]
	if !ok {
		return "", errors.New("report carries no VBIOS version opaque field")
	}
	return FormatVBIOSVersion(raw)
}

// FormatVBIOSVersion renders the raw VBIOS opaque bytes as dot-separated
// uppercase hex, e.g. "96.00.74.00.01".
func FormatVBIOSVersion(raw []byte) (string, error) {
	if len(raw) == 0 {
		return "", errors.New("empty VBIOS version field")
	}
	// The field is a little-endian integer rendered as at least 16 hex digits,
	// so shorter inputs are zero-extended to 8 bytes before rotating.
	reversed := make([]byte, max(len(raw), 8))
	copy(reversed, raw)
	slices.Reverse(reversed)
	hexStr := hex.EncodeToString(reversed)

	rotated := hexStr[len(hexStr)/2:] + hexStr[len(hexStr)/2-2:len(hexStr)/2]

	var sb strings.Builder
	idx := 0
	for i := 0; i < len(rotated)-2; i += 2 {
		sb.WriteString(rotated[i : i+2])
		sb.WriteByte('.')
		idx = i + 2
	}
	sb.WriteString(rotated[idx : idx+2])
	return strings.ToUpper(sb.String()), nil
}

// VBIOSVersionNoDots strips the dots from FormatVBIOSVersion's output, as
// used when composing a VBIOS RIM ID.
func VBIOSVersionNoDots(raw []byte) (string, error) {
	formatted, err := FormatVBIOSVersion(raw)
	if err != nil {
		return "", err
	}
	return strings.ReplaceAll(formatted, ".", ""), nil
}

// VerifySettings bundles the expected values an attestation report is checked against.
type VerifySettings struct {
	LeafCert      *x509.Certificate
	Nonce         [32]byte
	DriverVersion string
	VBIOSVersion  string
}

// Verify checks the nonce, driver/VBIOS version, and ECDSA signature of the
// report against settings. Per-field checks run in order and the first
// mismatch is returned, so callers can classify the failure with errors.Is.
func (r *Report) Verify(settings VerifySettings) error {
	if r.Request.Nonce != settings.Nonce {
		return fmt.Errorf("%w: expected %x, got %x", verifyerr.ErrNonceMismatch, settings.Nonce, r.Request.Nonce)
	}

	if !strings.EqualFold(r.DriverVersion(), settings.DriverVersion) {
		return fmt.Errorf("%w: expected %q, got %q", verifyerr.ErrDriverVersionMismatch, settings.DriverVersion, r.DriverVersion())
	}

	vbiosVersion, err := r.VBIOSVersion()
	if err != nil {
		return fmt.Errorf("getting VBIOS version: %w", err)
	}
	if !strings.EqualFold(vbiosVersion, settings.VBIOSVersion) {
		return fmt.Errorf("%w: expected %q, got %q", verifyerr.ErrVbiosVersionMismatch, settings.VBIOSVersion, vbiosVersion)
	}

	if err := r.verifySignature(settings.LeafCert); err != nil {
		return fmt.Errorf("verifying report signature: %w", err)
	}
	return nil
}

// verifySignature checks the ECDSA-SHA384 signature over the request bytes
// plus the response bytes minus its trailing signature, using signingCert's
// public key.
func (r *Report) verifySignature(signingCert *x509.Certificate) error {
	if len(r.responseBytes) < signatureLength {
		return fmt.Errorf("%w: response too short for a signature, expected at least %d bytes, got %d", verifyerr.ErrMalformedReport, signatureLength, len(r.responseBytes))
	}

	signed := make([]byte, 0, len(r.requestBytes)+len(r.responseBytes)-signatureLength)
	signed = append(signed, r.requestBytes...)
	signed = append(signed, r.responseBytes[:len(r.responseBytes)-signatureLength]...)
	digest := sha512.Sum384(signed)

	signature := r.Response.Signature
	sigR := new(big.Int).SetBytes(signature[:len(signature)/2])
	sigS := new(big.Int).SetBytes(signature[len(signature)/2:])

	pubKey, ok := signingCert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return fmt.Errorf("%w: expected an ECDSA public key, got %T", verifyerr.ErrSignatureVerification, signingCert.PublicKey)
	}
	if !ecdsa.Verify(pubKey, digest[:], sigR, sigS) {
		return verifyerr.ErrSignatureVerification
	}
	return nil
}

func parseRequest(data []byte) (RequestHeader, error) {
	if len(data) < requestMessageSize {
		return RequestHeader{}, fmt.Errorf("%w: request half needs %d bytes, got %d", verifyerr.ErrMalformedReport, requestMessageSize, len(data))
	}
	var nonce [32]byte
	copy(nonce[:], data[4:36])
	return RequestHeader{
		SPDMVersion:         data[0],
		RequestResponseCode: data[1],
		Param1:              data[2],
		Param2:              data[3],
		Nonce:               nonce,
		SlotIDParam:         data[36],
	}, nil
}

func parseResponse(data []byte) (ResponseHeader, error) {
	n := len(data)
	if n < 8 {
		return ResponseHeader{}, fmt.Errorf("%w: response too short for a header", verifyerr.ErrMalformedReport)
	}

	// Bytes 5..8 hold a 3-byte little-endian measurement-record length.
	mrLength := binary.LittleEndian.Uint32([]byte{data[5], data[6], data[7], 0x00})
	idx := 8

	if n < idx+int(mrLength) {
		return ResponseHeader{}, fmt.Errorf("%w: measurement record block exceeds buffer", verifyerr.ErrMalformedReport)
	}
	measurements, err := parseMeasurements(data[idx : idx+int(mrLength)])
	if err != nil {
		return ResponseHeader{}, err
	}
	idx += int(mrLength)

	if n < idx+32 {
		return ResponseHeader{}, fmt.Errorf("%w: response too short for nonce", verifyerr.ErrMalformedReport)
	}
	var nonce [32]byte
	copy(nonce[:], data[idx:idx+32])
	idx += 32

	if n < idx+2 {
		return ResponseHeader{}, fmt.Errorf("%w: response too short for opaque length", verifyerr.ErrMalformedReport)
	}
	opaqueLen := int(binary.LittleEndian.Uint16(data[idx : idx+2]))
	idx += 2

	if n < idx+opaqueLen {
		return ResponseHeader{}, fmt.Errorf("%w: response too short for opaque data", verifyerr.ErrMalformedReport)
	}
	opaque, err := parseOpaqueData(data[idx : idx+opaqueLen])
	if err != nil {
		return ResponseHeader{}, err
	}
	idx += opaqueLen

	if n < idx+signatureLength {
		return ResponseHeader{}, fmt.Errorf("%w: response too short for signature", verifyerr.ErrMalformedReport)
	}
	signature := append([]byte(nil), data[idx:idx+signatureLength]...)

	return ResponseHeader{
		SPDMVersion:         data[0],
		RequestResponseCode: data[1],
		Param1:              data[2],
		Param2:              data[3],
		NumberOfBlocks:      data[4],
		Measurements:        measurements,
		Nonce:               nonce,
		Opaque:              opaque,
		Signature:           signature,
	}, nil
}

func parseMeasurements(data []byte) (map[uint8]Measurement, error) {
	records := make(map[uint8]Measurement)

	for i := 0; i < len(data); {
		if len(data) < i+4 {
			return nil, fmt.Errorf("%w: measurement block truncated at offset %d", verifyerr.ErrMalformedReport, i)
		}

		mrSpec := data[i+1]
		if mrSpec != dmtfMeasurementSpecification {
			return nil, fmt.Errorf("%w: measurement block %d is not a DMTF measurement", verifyerr.ErrMalformedReport, i)
		}

		blockLen := binary.LittleEndian.Uint16(data[i+2 : i+4])
		if len(data) < i+4+int(blockLen) {
			return nil, fmt.Errorf("%w: measurement block %d declares %d bytes past the buffer", verifyerr.ErrMalformedReport, i, blockLen)
		}
		block := data[i+4 : i+4+int(blockLen)]

		if len(block) < 3 {
			return nil, fmt.Errorf("%w: DMTF measurement at offset %d is too short", verifyerr.ErrMalformedReport, i)
		}
		valueLen := binary.LittleEndian.Uint16(block[1:3])
		if len(block) < 3+int(valueLen) {
			return nil, fmt.Errorf("%w: DMTF measurement value at offset %d exceeds block", verifyerr.ErrMalformedReport, i)
		}
		value := append([]byte(nil), block[3:3+int(valueLen)]...)

		// The reference implementation's wire index is 1-based except for slot 0,
		// which is reused as-is; mirror that so indices stay dense from 0.
		wireIndex := data[i]
		index := wireIndex
		if index != 0 {
			index--
		}
		if _, dup := records[index]; dup {
			return nil, fmt.Errorf("%w: duplicate measurement index %d", verifyerr.ErrMalformedReport, index)
		}

		records[index] = Measurement{
			Index:     index,
			ValueType: block[0],
			Value:     value,
		}

		i += 4 + int(blockLen)
	}

	return records, nil
}

func parseOpaqueData(data []byte) (OpaqueData, error) {
	od := OpaqueData{Fields: make(map[OpaqueFieldID][]byte)}

	for i := 0; i < len(data); {
		if len(data) < i+4 {
			return OpaqueData{}, fmt.Errorf("%w: opaque field header truncated at offset %d", verifyerr.ErrMalformedReport, i)
		}
		tag := OpaqueFieldID(binary.LittleEndian.Uint16(data[i : i+2]))
		size := binary.LittleEndian.Uint16(data[i+2 : i+4])
		if len(data) < i+4+int(size) {
			return OpaqueData{}, fmt.Errorf("%w: opaque field %d declares %d bytes past the buffer", verifyerr.ErrMalformedReport, tag, size)
		}
		value := data[i+4 : i+4+int(size)]

		if _, dup := od.Fields[tag]; dup {
			return OpaqueData{}, fmt.Errorf("%w: duplicate opaque tag %d", verifyerr.ErrMalformedReport, tag)
		}

		if tag == OpaqueFieldIDMeasurementCount {
			mc, err := parseMeasurementCount(value)
			if err != nil {
				return OpaqueData{}, fmt.Errorf("parsing measurement count: %w", err)
			}
			od.MeasurementCount = mc
		}
		od.Fields[tag] = append([]byte(nil), value...)

		i += 4 + int(size)
	}

	return od, nil
}

func parseMeasurementCount(data []byte) ([]uint32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: measurement count field is not a multiple of 4 bytes", verifyerr.ErrMalformedReport)
	}
	out := make([]uint32, 0, len(data)/4)
	for i := 0; i < len(data); i += 4 {
		out = append(out, binary.LittleEndian.Uint32(data[i:]))
	}
	return out, nil
}

func opaqueString(raw []byte) string {
	return strings.ToUpper(strings.Trim(strings.TrimSpace(string(raw)), "\x00"))
}
