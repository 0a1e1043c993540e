package report

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha512"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// measurementBlock builds a single DMTF measurement record as found on the wire.
func measurementBlock(wireIndex, valueType uint8, value []byte) []byte {
	dmtf := make([]byte, 3+len(value))
	dmtf[0] = valueType
	binary.LittleEndian.PutUint16(dmtf[1:3], uint16(len(value)))
	copy(dmtf[3:], value)

	block := make([]byte, 4+len(dmtf))
	block[0] = wireIndex
	block[1] = dmtfMeasurementSpecification
	binary.LittleEndian.PutUint16(block[2:4], uint16(len(dmtf)))
	copy(block[4:], dmtf)
	return block
}

func opaqueField(tag OpaqueFieldID, value []byte) []byte {
	field := make([]byte, 4+len(value))
	binary.LittleEndian.PutUint16(field[0:2], uint16(tag))
	binary.LittleEndian.PutUint16(field[2:4], uint16(len(value)))
	copy(field[4:], value)
	return field
}

type reportFixture struct {
	data       []byte
	nonce      [32]byte
	leafKey    *ecdsa.PrivateKey
	leafCert   *x509.Certificate
	driverVer  string
	vbiosBytes []byte
}

func buildFixture(t *testing.T) reportFixture {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "GPU-0 leaf"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &priv.PublicKey, priv)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(certDER)
	require.NoError(t, err)

	var nonce [32]byte
	copy(nonce[:], []byte("0123456789012345678901234567890"))

	request := make([]byte, requestMessageSize)
	request[0] = 0x11 // SPDM version
	request[1] = 0xE0  // GET_MEASUREMENTS
	copy(request[4:36], nonce[:])
	request[36] = 0 // slot id param

	measurements := append(
		measurementBlock(1, 1, []byte("measurement-zero")),
		measurementBlock(2, 1, []byte("measurement-one"))...,
	)

	opaque := append(
		opaqueField(OpaqueFieldIDDriverVersion, []byte("550.54.15\x00")),
		opaqueField(OpaqueFieldIDVBIOSVersion, []byte{0x01, 0x00, 0x74, 0x96})...,
	)

	responseHeader := make([]byte, 8)
	responseHeader[0] = 0x11
	responseHeader[1] = 0xE0
	responseHeader[4] = 2 // number of blocks
	mrLen := len(measurements)
	responseHeader[5] = byte(mrLen)
	responseHeader[6] = byte(mrLen >> 8)
	responseHeader[7] = byte(mrLen >> 16)

	opaqueLen := make([]byte, 2)
	binary.LittleEndian.PutUint16(opaqueLen, uint16(len(opaque)))

	unsigned := append([]byte{}, responseHeader...)
	unsigned = append(unsigned, measurements...)
	unsigned = append(unsigned, nonce[:]...)
	unsigned = append(unsigned, opaqueLen...)
	unsigned = append(unsigned, opaque...)

	toSign := append(append([]byte{}, request...), unsigned...)
	digest := sha512.Sum384(toSign)
	sigR, sigS, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	require.NoError(t, err)

	sig := make([]byte, 96)
	rBytes := sigR.FillBytes(make([]byte, 48))
	sBytes := sigS.FillBytes(make([]byte, 48))
	copy(sig[:48], rBytes)
	copy(sig[48:], sBytes)

	full := append(append([]byte{}, request...), unsigned...)
	full = append(full, sig...)

	return reportFixture{
		data:       full,
		nonce:      nonce,
		leafKey:    priv,
		leafCert:   cert,
		driverVer:  "550.54.15",
		vbiosBytes: []byte{0x01, 0x00, 0x74, 0x96},
	}
}

func TestParseReportRoundTrip(t *testing.T) {
	fixture := buildFixture(t)

	r, err := ParseReport(fixture.data)
	require.NoError(t, err)

	assert.Equal(t, fixture.nonce, r.Request.Nonce)
	assert.Equal(t, "550.54.15", r.DriverVersion())
	assert.Len(t, r.Measurements(), 2)

	vbios, err := r.VBIOSVersion()
	require.NoError(t, err)
	assert.NotEmpty(t, vbios)
}

func TestParseReportTooShort(t *testing.T) {
	_, err := ParseReport(make([]byte, 10))
	assert.ErrorContains(t, err, "malformed attestation report")
}

func TestReportVerify(t *testing.T) {
	fixture := buildFixture(t)
	r, err := ParseReport(fixture.data)
	require.NoError(t, err)

	vbiosVersion, err := r.VBIOSVersion()
	require.NoError(t, err)

	testCases := map[string]struct {
		settings VerifySettings
		wantErr  bool
	}{
		"valid": {
			settings: VerifySettings{
				LeafCert:      fixture.leafCert,
				Nonce:         fixture.nonce,
				DriverVersion: fixture.driverVer,
				VBIOSVersion:  vbiosVersion,
			},
			wantErr: false,
		},
		"nonce mismatch": {
			settings: VerifySettings{
				LeafCert:      fixture.leafCert,
				Nonce:         [32]byte{0xFF},
				DriverVersion: fixture.driverVer,
				VBIOSVersion:  vbiosVersion,
			},
			wantErr: true,
		},
		"driver version mismatch": {
			settings: VerifySettings{
				LeafCert:      fixture.leafCert,
				Nonce:         fixture.nonce,
				DriverVersion: "999.99.99",
				VBIOSVersion:  vbiosVersion,
			},
			wantErr: true,
		},
		"vbios version mismatch": {
			settings: VerifySettings{
				LeafCert:      fixture.leafCert,
				Nonce:         fixture.nonce,
				DriverVersion: fixture.driverVer,
				VBIOSVersion:  "00.00.00.00",
			},
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			err := r.Verify(tc.settings)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestFormatVBIOSVersion(t *testing.T) {
	formatted, err := FormatVBIOSVersion([]byte{0x01, 0x00, 0x74, 0x96})
	require.NoError(t, err)
	assert.Regexp(t, `^[0-9A-F]{2}(\.[0-9A-F]{2}){3,4}$`, formatted)

	noDots, err := VBIOSVersionNoDots([]byte{0x01, 0x00, 0x74, 0x96})
	require.NoError(t, err)
	assert.NotContains(t, noDots, ".")
}
