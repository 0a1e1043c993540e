// Package cryptoutil collects the small PEM/X.509 helpers shared across
// the verifier: parsing trust anchors and signing-chain certificates out
// of PEM files and raw bundles.
package cryptoutil

import (
	"crypto/x509"
	"encoding/pem"
	"fmt"
)

// ParseCertificatePEM parses a single PEM-encoded X.509 certificate, such
// as a --rim_root_cert file.
func ParseCertificatePEM(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in certificate data")
	}
	return x509.ParseCertificate(block.Bytes)
}

// ParseCertificateChainPEM parses a concatenated bundle of PEM-encoded
// X.509 certificates in file order, such as a GPU's device certificate
// chain or a RIM signing chain.
func ParseCertificateChainPEM(pemBytes []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parsing certificate %d in chain: %w", len(chain), err)
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in PEM data")
	}
	return chain, nil
}
