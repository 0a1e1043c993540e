//go:build gpu

package evidence

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlSource implements Source against local NVIDIA GPUs via NVML. It is a
// process-wide singleton: NVML loads a dynamic library object on Init, and
// duplicating that load per caller would waste memory for no benefit, the
// same reasoning the teacher's gpu.Client singleton applies.
type nvmlSource struct {
	log *slog.Logger
}

var (
	nvmlSingleton *nvmlSource
	nvmlOnce      sync.Once
	nvmlInitErr   error
)

// NewNVMLSource initializes (on first call) and returns the process-wide
// NVML-backed Source.
func NewNVMLSource(log *slog.Logger) (Source, error) {
	nvmlOnce.Do(func() {
		log.Info("Initializing NVML evidence source")
		if ret := nvml.Init(); ret != nvml.SUCCESS {
			nvmlInitErr = fmt.Errorf("initializing NVML: %s", nvml.ErrorString(ret))
			return
		}
		nvmlSingleton = &nvmlSource{log: log}
	})
	if nvmlInitErr != nil {
		return nil, nvmlInitErr
	}
	return nvmlSingleton, nil
}

// List implements Source.
func (s *nvmlSource) List(_ context.Context, nonce [32]byte) ([]GPU, error) {
	count, ret := nvml.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("getting GPU count: %s", nvml.ErrorString(ret))
	}

	gpus := make([]GPU, 0, count)
	for i := range count {
		handle, ret := nvml.DeviceGetHandleByIndex(i)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU handle: %s", nvml.ErrorString(ret))
		}

		uuid, ret := nvml.DeviceGetUUID(handle)
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU UUID: %s", nvml.ErrorString(ret))
		}

		arch, ret := handle.GetArchitecture()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU architecture: %s", nvml.ErrorString(ret))
		}
		driverVersion, ret := nvml.SystemGetDriverVersion()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting driver version: %s", nvml.ErrorString(ret))
		}
		vbiosVersion, ret := handle.GetVbiosVersion()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU VBIOS version: %s", nvml.ErrorString(ret))
		}

		report := nvml.ConfComputeGpuAttestationReport{Nonce: nonce}
		if ret := handle.GetConfComputeGpuAttestationReport(&report); ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU attestation report: %s", nvml.ErrorString(ret))
		}
		if len(report.AttestationReport) < int(report.AttestationReportSize) {
			return nil, fmt.Errorf("invalid attestation report size: expected %d bytes, got %d", report.AttestationReportSize, len(report.AttestationReport))
		}

		cert, ret := handle.GetConfComputeGpuCertificate()
		if ret != nvml.SUCCESS {
			return nil, fmt.Errorf("getting GPU attestation certificate: %s", nvml.ErrorString(ret))
		}
		chain, err := parsePEMChain(cert.AttestationCertChain[:])
		if err != nil {
			return nil, fmt.Errorf("parsing GPU certificate chain: %w", err)
		}

		gpus = append(gpus, GPU{
			UUID:          uuid,
			Architecture:  architectureFrom(arch),
			DriverVersion: driverVersion,
			VBIOSVersion:  vbiosVersion,
			ReportBytes:   report.AttestationReport[:report.AttestationReportSize],
			CertChain:     chain,
		})
	}

	return gpus, nil
}

// SetReady implements Source.
func (s *nvmlSource) SetReady(_ context.Context) error {
	if ret := nvml.SystemSetConfComputeGpusReadyState(1); ret != nvml.SUCCESS {
		return fmt.Errorf("setting GPUs ready: %s", nvml.ErrorString(ret))
	}
	return nil
}

// Close implements Source.
func (s *nvmlSource) Close() error {
	if ret := nvml.Shutdown(); ret != nvml.SUCCESS {
		return fmt.Errorf("shutting down NVML: %s", nvml.ErrorString(ret))
	}
	return nil
}

func architectureFrom(arch nvml.DeviceArchitecture) Architecture {
	if arch == nvml.DEVICE_ARCH_HOPPER {
		return ArchitectureHopper
	}
	return ArchitectureUnknown
}

func parsePEMChain(raw []byte) ([]*x509.Certificate, error) {
	var chain []*x509.Certificate
	rest := raw
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, err
		}
		chain = append(chain, cert)
	}
	if len(chain) == 0 {
		return nil, fmt.Errorf("no certificates found in GPU certificate chain")
	}
	return chain, nil
}
