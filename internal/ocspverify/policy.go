package ocspverify

import (
	"time"

	"github.com/edgelesssys/gpuattest/internal/certchain"
)

// Profile selects a named grace/extension policy.
type Profile string

// Profiles selectable via --ocsp_attestation_settings.
const (
	ProfileDefault Profile = "default"
	ProfileStrict  Profile = "strict"
)

// Policy is the set of numeric grace knobs applied when validating chain
// revocation. It is plain data so tests can sweep the {profile, mode} table
// directly, per the "grace-period policy as data" design note.
type Policy struct {
	// ValidityExtension extends an OCSP response's next_update uniformly.
	ValidityExtension time.Duration
	// DeviceRevocationExtension is the grace period after revocation_time for
	// the GPU's own device-identity chain.
	DeviceRevocationExtension time.Duration
	// DriverRIMRevocationExtension is the grace period for the driver RIM signing chain.
	DriverRIMRevocationExtension time.Duration
	// VBIOSRIMRevocationExtension is the grace period for the VBIOS RIM signing chain.
	VBIOSRIMRevocationExtension time.Duration
	// AllowHoldCert accepts a certificate revoked for reason certificate_hold, with a warning.
	AllowHoldCert bool
}

// policyTable is the {profile -> Policy} lookup backing PolicyFor.
var policyTable = map[Profile]Policy{
	ProfileDefault: {
		ValidityExtension:            336 * time.Hour,
		DeviceRevocationExtension:    336 * time.Hour,
		DriverRIMRevocationExtension: 336 * time.Hour,
		VBIOSRIMRevocationExtension:  2160 * time.Hour,
		AllowHoldCert:                true,
	},
	ProfileStrict: {
		ValidityExtension:            0,
		DeviceRevocationExtension:    0,
		DriverRIMRevocationExtension: 0,
		VBIOSRIMRevocationExtension:  0,
		AllowHoldCert:                false,
	},
}

// PolicyFor returns the named profile's policy, defaulting to ProfileDefault
// for an unrecognized name.
func PolicyFor(profile Profile) Policy {
	if p, ok := policyTable[profile]; ok {
		return p
	}
	return policyTable[ProfileDefault]
}

// RevocationExtensionFor returns the grace period applicable to mode.
func (p Policy) RevocationExtensionFor(mode certchain.Mode) time.Duration {
	switch mode {
	case certchain.ModeGPUAttestation:
		return p.DeviceRevocationExtension
	case certchain.ModeDriverRIM:
		return p.DriverRIMRevocationExtension
	case certchain.ModeVBIOSRIM:
		return p.VBIOSRIMRevocationExtension
	default:
		return 0
	}
}
