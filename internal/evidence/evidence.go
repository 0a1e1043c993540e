// Package evidence defines the contract between the Host Harness and
// whatever collects raw attestation material from a GPU: an SPDM
// attestation report, the GPU's device certificate chain, and the
// identity fields the Orchestrator needs before it can even attempt to
// parse that report. The real implementation talks to NVML (the `gpu`
// build tag); a synthetic implementation serves --test_no_gpu runs.
package evidence

import (
	"context"
	"crypto/x509"
)

// Architecture names a GPU's confidential-compute architecture family, as
// reported by the Evidence Source. Only Hopper is supported; any other
// value fails the Orchestrator's first state-machine transition with
// verifyerr.ErrUnsupportedArchitecture.
type Architecture string

const (
	// ArchitectureHopper is the only supported confidential-compute GPU family.
	ArchitectureHopper Architecture = "HOPPER"
	// ArchitectureUnknown covers every architecture this verifier does not support.
	ArchitectureUnknown Architecture = "UNKNOWN"
)

// GPU is one board's raw evidence: a freshly issued attestation report
// bound to the run's nonce, the device certificate chain it was issued
// under, and the identity fields read alongside it.
type GPU struct {
	UUID          string
	Architecture  Architecture
	DriverVersion string
	VBIOSVersion  string
	ReportBytes   []byte
	CertChain     []*x509.Certificate
}

// Source collects evidence from the confidential-compute GPUs present on
// the host.
type Source interface {
	// List returns one GPU entry per confidential-compute-capable device,
	// each carrying an attestation report issued against nonce.
	List(ctx context.Context, nonce [32]byte) ([]GPU, error)
	// SetReady transitions every device returned by the most recent List
	// call into the confidential-compute ready state. The Host Harness
	// skips this call under --user_mode.
	SetReady(ctx context.Context) error
	// Close releases the Source's process-global resources.
	Close() error
}
