/*
Package certchain walks an X.509 certificate chain from its root toward its
leaf, checking issuer/subject binding, validity windows, and basic
constraints at each step, and extracts the NVIDIA firmware-ID extension.

Unlike [crypto/x509.Certificate.Verify], which is built around a system
trust store and leaf-to-root path building, this verifier walks the chain
the caller already assembled (as returned by the Evidence Source, an OCSP
response, or a RIM document, ordered leaf-first) from root to leaf, without
reordering it.
*/
package certchain

import (
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"time"

	"github.com/edgelesssys/gpuattest/internal/verifyerr"
)

// Mode identifies which chain is being verified, since the required length
// and recursion behavior differ per caller.
type Mode int

const (
	// ModeGPUAttestation verifies the GPU's own device certificate chain.
	ModeGPUAttestation Mode = iota
	// ModeOCSPResponse verifies the signing chain embedded in an OCSP response.
	// It never triggers a nested OCSP lookup, breaking the chain<->OCSP cycle.
	ModeOCSPResponse
	// ModeDriverRIM verifies the signing chain of a driver RIM document.
	ModeDriverRIM
	// ModeVBIOSRIM verifies the signing chain of a VBIOS RIM document.
	ModeVBIOSRIM
)

// String returns a human-readable mode name, used in log fields and errors.
func (m Mode) String() string {
	switch m {
	case ModeGPUAttestation:
		return "gpu_attestation"
	case ModeOCSPResponse:
		return "ocsp_response"
	case ModeDriverRIM:
		return "driver_rim"
	case ModeVBIOSRIM:
		return "vbios_rim"
	default:
		return "unknown"
	}
}

// requiredLength returns the fixed chain length for modes that have one.
func (m Mode) requiredLength() (int, bool) {
	if m == ModeGPUAttestation {
		return 5, true
	}
	return 0, false
}

// fwidOID is the NVIDIA firmware-ID extension, 2.23.133.5.4.1.
var fwidOID = asn1.ObjectIdentifier{2, 23, 133, 5, 4, 1}

// Verify walks chain (ordered leaf-first, root-last) from its root toward
// its leaf. Each step re-derives a growing trust store starting from the
// chain's own root, checking issuer/subject binding, the signature, the
// validity window, and basic constraints before trusting the next
// certificate inward.
//
// trusted reports whether the chain's root also appears in anchors; a chain
// can be shape-valid (err == nil) yet untrusted if its root isn't a
// recognized anchor for mode.
func Verify(chain []*x509.Certificate, mode Mode, anchors []*x509.Certificate, now time.Time) (trusted bool, err error) {
	if len(chain) == 0 {
		return false, verifyerr.ErrNoCertificates
	}
	if want, fixed := mode.requiredLength(); fixed && len(chain) != want {
		return false, fmt.Errorf("%w: mode %s requires %d certificates, got %d", verifyerr.ErrWrongCertCount, mode, want, len(chain))
	}
	if hasDuplicate(chain) {
		return false, fmt.Errorf("%w: duplicate certificate in chain", verifyerr.ErrCertChainVerification)
	}

	root := chain[len(chain)-1]
	if !bytesEqual(root.RawIssuer, root.RawSubject) {
		return false, fmt.Errorf("%w: root certificate %q is not self-signed", verifyerr.ErrCertChainVerification, root.Subject)
	}
	if err := root.CheckSignatureFrom(root); err != nil {
		return false, fmt.Errorf("%w: root certificate %q does not self-verify: %s", verifyerr.ErrCertChainVerification, root.Subject, err)
	}
	if err := checkValidity(root, now); err != nil {
		return false, err
	}

	trustStore := []*x509.Certificate{root}
	for i := len(chain) - 2; i >= 0; i-- {
		child := chain[i]
		parent := chain[i+1]

		if !bytesEqual(child.RawIssuer, parent.RawSubject) {
			return false, fmt.Errorf("%w: certificate %d (%q) issuer does not match certificate %d (%q) subject",
				verifyerr.ErrCertChainVerification, i, child.Subject, i+1, parent.Subject)
		}
		if err := child.CheckSignatureFrom(parent); err != nil {
			return false, fmt.Errorf("%w: certificate %d (%q) signature does not verify against %q: %s",
				verifyerr.ErrCertChainVerification, i, child.Subject, parent.Subject, err)
		}
		if err := checkValidity(child, now); err != nil {
			return false, err
		}
		if i > 0 && !child.IsCA {
			return false, fmt.Errorf("%w: certificate %d (%q) is not marked as a CA but has a subordinate certificate",
				verifyerr.ErrCertChainVerification, i, child.Subject)
		}

		trustStore = append(trustStore, child)
	}

	return isAnchored(root, anchors), nil
}

// ExtractFWID locates the firmware-ID extension on leaf and returns the last
// 48 bytes of its value, the digest proper (the extension also carries a
// small ASN.1 wrapper). A missing extension yields a nil slice.
func ExtractFWID(leaf *x509.Certificate) []byte {
	for _, ext := range leaf.Extensions {
		if ext.Id.Equal(fwidOID) {
			if len(ext.Value) <= 48 {
				return ext.Value
			}
			return ext.Value[len(ext.Value)-48:]
		}
	}
	return nil
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return fmt.Errorf("%w: certificate %q is not valid at %s (window %s .. %s)",
			verifyerr.ErrCertChainVerification, cert.Subject, now, cert.NotBefore, cert.NotAfter)
	}
	return nil
}

func hasDuplicate(chain []*x509.Certificate) bool {
	for i := range chain {
		for j := i + 1; j < len(chain); j++ {
			if bytesEqual(chain[i].Raw, chain[j].Raw) {
				return true
			}
		}
	}
	return false
}

func isAnchored(root *x509.Certificate, anchors []*x509.Certificate) bool {
	for _, a := range anchors {
		if bytesEqual(a.Raw, root.Raw) {
			return true
		}
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
