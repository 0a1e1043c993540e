package rim

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeCertB64(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)
	template := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "rim signer"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(der)
}

func TestSigningCerts(t *testing.T) {
	var si SoftwareIdentity
	si.Signature.KeyInfo.X509Data.X509Certificate = []string{makeCertB64(t), makeCertB64(t)}

	certs, err := si.SigningCerts()
	require.NoError(t, err)
	assert.Len(t, certs, 2)
	assert.Equal(t, "rim signer", certs[0].Subject.CommonName)
}

func TestSigningCertsInvalidBase64(t *testing.T) {
	var si SoftwareIdentity
	si.Signature.KeyInfo.X509Data.X509Certificate = []string{"not base64!!"}

	_, err := si.SigningCerts()
	assert.Error(t, err)
}

func TestManufacturerID(t *testing.T) {
	var si SoftwareIdentity
	si.Meta.FirmwareManufacturerID = "0x10de"
	assert.Equal(t, "0x10de", si.ManufacturerID())

	si.Meta.FirmwareManufacturerID = ""
	si.Meta.PlatformManufacturerID = "0x10de"
	assert.Equal(t, "0x10de", si.ManufacturerID())
}

func TestGoldenMeasurements(t *testing.T) {
	driver := &SoftwareIdentity{}
	driver.Payload.Resource = []Resource{
		{Index: 1, Active: true, Hashes: []string{"aa"}},
		{Index: 2, Active: false, Hashes: []string{"bb"}},
	}
	vbios := &SoftwareIdentity{}
	vbios.Payload.Resource = []Resource{
		{Index: 3, Active: true, Hashes: []string{"cc", "dd"}},
	}

	golden, err := GoldenMeasurements(driver, vbios)
	require.NoError(t, err)
	assert.Equal(t, map[uint8][]string{
		1: {"aa"},
		3: {"cc", "dd"},
	}, golden)
}

func TestGoldenMeasurementsConflictingIndex(t *testing.T) {
	driver := &SoftwareIdentity{}
	driver.Payload.Resource = []Resource{{Index: 1, Active: true, Hashes: []string{"aa"}}}
	vbios := &SoftwareIdentity{}
	vbios.Payload.Resource = []Resource{{Index: 1, Active: true, Hashes: []string{"bb"}}}

	_, err := GoldenMeasurements(driver, vbios)
	assert.ErrorContains(t, err, "claimed by both")
}
