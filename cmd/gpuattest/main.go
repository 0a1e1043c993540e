// gpuattest verifies that the confidential-compute GPUs on this host are
// running authentic, unrevoked, up-to-date firmware and driver stacks, and
// emits a signed attestation token describing the outcome.
package main

import (
	"context"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/edgelesssys/gpuattest/internal/certchain/anchors"
	"github.com/edgelesssys/gpuattest/internal/config"
	"github.com/edgelesssys/gpuattest/internal/eat"
	"github.com/edgelesssys/gpuattest/internal/evidence"
	"github.com/edgelesssys/gpuattest/internal/logging"
	"github.com/edgelesssys/gpuattest/internal/ocspverify"
	"github.com/edgelesssys/gpuattest/internal/orchestrator"
	"github.com/edgelesssys/gpuattest/internal/processutil"
	"github.com/edgelesssys/gpuattest/internal/rim"
)

func main() {
	if err := execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func execute() error {
	var resolve func() (config.Settings, error)

	cmd := &cobra.Command{
		Use:          "gpuattest",
		Short:        "Verify confidential-compute GPU attestation evidence",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := resolve()
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings)
		},
	}
	resolve = config.RegisterFlags(cmd)

	ctx, cancel := processutil.SignalContext(context.Background(), os.Interrupt)
	defer cancel()
	return cmd.ExecuteContext(ctx)
}

// run wires the Evidence Source, OCSP/RIM clients, and Orchestrator
// together for one attestation pass, and reports overall success via its
// return value; the caller turns a non-nil error into exit code 1.
func run(ctx context.Context, settings config.Settings) error {
	log := logging.New(os.Stderr, settings.Verbose)

	source, deviceAnchor, err := newEvidenceSource(log, settings)
	if err != nil {
		return fmt.Errorf("initializing evidence source: %w", err)
	}
	defer func() {
		if closeErr := source.Close(); closeErr != nil {
			log.Warn("Closing evidence source", "error", closeErr)
		}
	}()

	gpus, err := source.List(ctx, settings.Nonce)
	if err != nil {
		return fmt.Errorf("listing GPU evidence: %w", err)
	}
	if len(gpus) == 0 {
		return fmt.Errorf("no confidential-compute GPUs found")
	}

	ocspClient := ocspverify.New(settings.OCSPServiceURL, log, ocspverify.WithNonce(settings.OCSPNonceEnabled))
	policy := orchestrator.PolicyFor(settings)
	rimClient := rim.New(settings.RIMServiceURL, settings.RIMRootCert, ocspClient, policy, log)

	orch := orchestrator.New([]*x509.Certificate{deviceAnchor}, ocspClient, rimClient, log)

	result := orch.AttestAll(ctx, gpus, settings.Nonce, settings)

	claims := eat.ClaimSet{Overall: result.Overall, GPUs: make(map[string]eat.GPUClaims, len(result.GPUs))}
	for _, gpuResult := range result.GPUs {
		if gpuResult.Err != nil {
			log.Error("GPU attestation failed", "gpu", gpuResult.UUID, "error", gpuResult.Err)
		}
		claims.GPUs[gpuResult.UUID] = gpuResult.Claims
	}

	token, err := eat.Build(claims, settings.Nonce, "gpuattest", eat.DevelopmentSigner())
	if err != nil {
		return fmt.Errorf("building attestation token: %w", err)
	}
	fmt.Println(token)

	if result.Overall && !settings.UserMode {
		if err := source.SetReady(ctx); err != nil {
			return fmt.Errorf("setting GPUs ready: %w", err)
		}
	}

	if !result.Overall {
		return fmt.Errorf("attestation failed for at least one GPU")
	}
	return nil
}

// newEvidenceSource selects the fixture Evidence Source under
// --test_no_gpu, or the build's real Source (NVML, when built with the
// gpu tag) otherwise. It returns the trust anchor that source's chains
// are rooted at, since the fixture source mints its own.
func newEvidenceSource(log *slog.Logger, settings config.Settings) (evidence.Source, *x509.Certificate, error) {
	if settings.TestNoGPU {
		source, anchor, err := evidence.NewFixtureSource()
		return source, anchor, err
	}
	source, err := evidence.NewRealSource(log)
	if err != nil {
		return nil, nil, err
	}
	return source, anchors.GPUDeviceIdentityCA, nil
}
