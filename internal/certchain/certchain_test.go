package certchain

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chainFixture holds a 3-certificate root/intermediate/leaf chain, ordered
// leaf-first as Verify expects.
type chainFixture struct {
	root, intermediate, leaf *x509.Certificate
}

func makeCert(t *testing.T, cn string, isCA bool, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(int64(len(cn)) + 1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  isCA,
		BasicConstraintsValid: true,
	}

	signerCert := template
	signerKey := priv
	if parent != nil {
		signerCert = parent
		signerKey = parentKey
	}

	der, err := x509.CreateCertificate(rand.Reader, template, signerCert, &priv.PublicKey, signerKey)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert, priv
}

func buildChain(t *testing.T) chainFixture {
	t.Helper()
	root, rootKey := makeCert(t, "root", true, nil, nil)
	intermediate, intermediateKey := makeCert(t, "intermediate", true, root, rootKey)
	leaf, _ := makeCert(t, "leaf", false, intermediate, intermediateKey)
	return chainFixture{root: root, intermediate: intermediate, leaf: leaf}
}

func TestVerifyHappyPath(t *testing.T) {
	fixture := buildChain(t)
	chain := []*x509.Certificate{fixture.leaf, fixture.intermediate, fixture.root}

	trusted, err := Verify(chain, ModeOCSPResponse, []*x509.Certificate{fixture.root}, time.Now())
	require.NoError(t, err)
	assert.True(t, trusted)
}

func TestVerifyUntrustedRoot(t *testing.T) {
	fixture := buildChain(t)
	chain := []*x509.Certificate{fixture.leaf, fixture.intermediate, fixture.root}

	trusted, err := Verify(chain, ModeOCSPResponse, nil, time.Now())
	require.NoError(t, err)
	assert.False(t, trusted)
}

func TestVerifyEmptyChain(t *testing.T) {
	_, err := Verify(nil, ModeOCSPResponse, nil, time.Now())
	assert.ErrorContains(t, err, "certificate chain is empty")
}

func TestVerifyWrongCertCount(t *testing.T) {
	fixture := buildChain(t)
	chain := []*x509.Certificate{fixture.leaf, fixture.intermediate, fixture.root}

	_, err := Verify(chain, ModeGPUAttestation, nil, time.Now())
	assert.ErrorContains(t, err, "unexpected certificate chain length")
}

func TestVerifyBrokenIssuerBinding(t *testing.T) {
	fixture := buildChain(t)
	other, _ := makeCert(t, "unrelated", true, nil, nil)
	chain := []*x509.Certificate{fixture.leaf, other, fixture.root}

	_, err := Verify(chain, ModeOCSPResponse, nil, time.Now())
	assert.ErrorContains(t, err, "certificate chain verification failed")
}

func TestVerifyDuplicateCertificate(t *testing.T) {
	fixture := buildChain(t)
	chain := []*x509.Certificate{fixture.leaf, fixture.leaf, fixture.root}

	_, err := Verify(chain, ModeOCSPResponse, nil, time.Now())
	assert.ErrorContains(t, err, "duplicate certificate")
}

func TestExtractFWID(t *testing.T) {
	fixture := buildChain(t)
	// None of the synthetic certs carry a FWID extension; extraction must be nil, not an error.
	assert.Nil(t, ExtractFWID(fixture.leaf))
}
