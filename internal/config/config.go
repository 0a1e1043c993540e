/*
Package config defines the Host Harness's immutable run configuration,
built once from CLI flags and never mutated afterwards — per-GPU
attestation never shares a writable Settings across goroutines.
*/
package config

import (
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgelesssys/gpuattest/internal/cryptoutil"
	"github.com/edgelesssys/gpuattest/internal/nonce"
	"github.com/edgelesssys/gpuattest/internal/ocspverify"
)

// Settings is the immutable, fully-resolved configuration for one
// attestation run.
type Settings struct {
	Verbose    bool
	TestNoGPU  bool
	UserMode   bool
	Nonce      nonce.Nonce

	DriverRIMPath string
	VBIOSRIMPath  string

	RIMRootCertPath string
	RIMRootCert     *x509.Certificate

	RIMServiceURL  string
	OCSPServiceURL string

	AllowHoldCert     bool
	OCSPNonceEnabled  bool
	OCSPProfile       ocspverify.Profile
	OCSPOverrides     OCSPExtensionOverrides

	// AllowRetry gates the Orchestrator's bounded whole-attestation retry,
	// which re-runs a GPU's attestation after a transient OCSP or RIM fetch
	// failure or an aborted step. There is no CLI flag for
	// it; it is always on outside of tests that need a single deterministic
	// attempt.
	AllowRetry bool
}

// OCSPExtensionOverrides carries the CLI's per-knob overrides to the
// selected OCSP profile; a zero Duration for a field means "no override,
// use the profile default".
type OCSPExtensionOverrides struct {
	ValidityExtension            time.Duration
	DeviceRevocationExtension    time.Duration
	DriverRIMRevocationExtension time.Duration
	VBIOSRIMRevocationExtension  time.Duration
}

// rawFlags holds the CLI surface of spec.md §6 as cobra parses it; resolve
// turns these values into Settings after cmd.Execute has run.
type rawFlags struct {
	verbose                  bool
	testNoGPU                bool
	userMode                 bool
	nonceHex                 string
	driverRIM                string
	vbiosRIM                 string
	allowHoldCert            bool
	rimRootCert              string
	rimServiceURL            string
	ocspServiceURL           string
	ocspNonceEnabled         bool
	ocspProfile              string
	ocspValidityExtHours     int
	ocspDeviceRevExtHours    int
	ocspDriverRIMRevExtHours int
	ocspVBIOSRIMRevExtHours  int
}

// RegisterFlags registers every flag of spec.md §6 on cmd and returns a
// function that resolves the parsed flags into Settings once cmd.Execute
// has parsed argv.
func RegisterFlags(cmd *cobra.Command) func() (Settings, error) {
	var f rawFlags

	cmd.Flags().BoolVar(&f.verbose, "verbose", false, "elevate log level to debug")
	cmd.Flags().BoolVar(&f.testNoGPU, "test_no_gpu", false, "bypass the Evidence Source and use an embedded fixture GPU")
	cmd.Flags().BoolVar(&f.userMode, "user_mode", false, "do not alter GPU ready state on success")
	cmd.Flags().StringVar(&f.nonceHex, "nonce", "", "64 hex characters (32 bytes) identifying this attestation run")
	cmd.Flags().StringVar(&f.driverRIM, "driver_rim", "", "path to a local driver RIM, instead of fetching one")
	cmd.Flags().StringVar(&f.vbiosRIM, "vbios_rim", "", "path to a local VBIOS RIM, instead of fetching one")
	cmd.Flags().BoolVar(&f.allowHoldCert, "allow_hold_cert", false, "accept certificates revoked with reason certificate_hold")
	cmd.Flags().StringVar(&f.rimRootCert, "rim_root_cert", "", "PEM file anchoring RIM signing chains")
	cmd.Flags().StringVar(&f.rimServiceURL, "rim_service_url", "https://rim.nvidia.com/", "base URL of the RIM service (must be https)")
	cmd.Flags().StringVar(&f.ocspServiceURL, "ocsp_service_url", "https://ocsp.ndis.nvidia.com", "base URL of the OCSP responder (must be https)")
	cmd.Flags().BoolVar(&f.ocspNonceEnabled, "ocsp_nonce_enabled", false, "include a nonce extension in OCSP requests")
	cmd.Flags().StringVar(&f.ocspProfile, "ocsp_attestation_settings", string(ocspverify.ProfileDefault), `OCSP grace profile, "default" or "strict"`)
	cmd.Flags().IntVar(&f.ocspValidityExtHours, "ocsp_validity_extension", -1, "hours past next_update an OCSP response is still accepted (overrides the profile default)")
	cmd.Flags().IntVar(&f.ocspDeviceRevExtHours, "ocsp_cert_revocation_extension_device", -1, "grace hours after a device cert's revocation (overrides the profile default)")
	cmd.Flags().IntVar(&f.ocspDriverRIMRevExtHours, "ocsp_cert_revocation_extension_driver_rim", -1, "grace hours after a driver RIM signing cert's revocation (overrides the profile default)")
	cmd.Flags().IntVar(&f.ocspVBIOSRIMRevExtHours, "ocsp_cert_revocation_extension_vbios_rim", -1, "grace hours after a VBIOS RIM signing cert's revocation (overrides the profile default)")

	return func() (Settings, error) { return resolve(f) }
}

func resolve(f rawFlags) (Settings, error) {
	s := Settings{
		Verbose:          f.verbose,
		TestNoGPU:        f.testNoGPU,
		UserMode:         f.userMode,
		DriverRIMPath:    f.driverRIM,
		VBIOSRIMPath:     f.vbiosRIM,
		RIMRootCertPath:  f.rimRootCert,
		RIMServiceURL:    f.rimServiceURL,
		OCSPServiceURL:   f.ocspServiceURL,
		AllowHoldCert:    f.allowHoldCert,
		OCSPNonceEnabled: f.ocspNonceEnabled,
		AllowRetry:       true,
	}

	if f.nonceHex == "" {
		n, err := nonce.Generate()
		if err != nil {
			return Settings{}, fmt.Errorf("generating nonce: %w", err)
		}
		s.Nonce = n
	} else {
		n, err := nonce.Parse(f.nonceHex)
		if err != nil {
			return Settings{}, fmt.Errorf("--nonce: %w", err)
		}
		s.Nonce = n
	}

	switch ocspverify.Profile(f.ocspProfile) {
	case ocspverify.ProfileDefault, ocspverify.ProfileStrict:
		s.OCSPProfile = ocspverify.Profile(f.ocspProfile)
	default:
		return Settings{}, fmt.Errorf("--ocsp_attestation_settings: unknown profile %q", f.ocspProfile)
	}

	s.OCSPOverrides = OCSPExtensionOverrides{
		ValidityExtension:            hoursOverride(f.ocspValidityExtHours),
		DeviceRevocationExtension:    hoursOverride(f.ocspDeviceRevExtHours),
		DriverRIMRevocationExtension: hoursOverride(f.ocspDriverRIMRevExtHours),
		VBIOSRIMRevocationExtension:  hoursOverride(f.ocspVBIOSRIMRevExtHours),
	}

	if f.rimRootCert != "" {
		pemBytes, err := os.ReadFile(f.rimRootCert)
		if err != nil {
			return Settings{}, fmt.Errorf("--rim_root_cert: %w", err)
		}
		cert, err := cryptoutil.ParseCertificatePEM(pemBytes)
		if err != nil {
			return Settings{}, fmt.Errorf("--rim_root_cert: %w", err)
		}
		s.RIMRootCert = cert
	}

	for name, url := range map[string]string{"--rim_service_url": f.rimServiceURL, "--ocsp_service_url": f.ocspServiceURL} {
		if !isHTTPS(url) {
			return Settings{}, fmt.Errorf("%s must be an https URL, got %q", name, url)
		}
	}

	return s, nil
}

// hoursOverride turns a CLI hour count into a Duration override, clamped
// to non-negative. A result of 0 means "no override", so -1 (the flag
// default), any other negative value, and an explicit 0 all leave the
// profile default in place; a profile value cannot be overridden to zero.
func hoursOverride(hours int) time.Duration {
	if hours < 0 {
		return 0
	}
	return time.Duration(hours) * time.Hour
}

func isHTTPS(rawURL string) bool {
	return len(rawURL) > len("https://") && rawURL[:len("https://")] == "https://"
}
