package rim

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"strings"
)

// Resource is a single reference measurement entry within a RIM's payload,
// carrying one or more acceptable digests ("alternatives") for its index.
type Resource struct {
	Type         string   `xml:"type,attr"`
	Index        uint8    `xml:"index,attr"`
	Active       bool     `xml:"active,attr"`
	Alternatives int      `xml:"alternatives,attr"`
	Name         string   `xml:"name,attr"`
	Size         int      `xml:"size,attr"`
	Hashes       []string `xml:"hash,attr"`
}

// UnmarshalXML implements [xml.Unmarshaler]. The RIM schema encodes each
// acceptable digest as its own HashN attribute, so the fixed fields are
// decoded normally and the Hash* attributes are collected separately.
func (r *Resource) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	var tmp struct {
		Type         string     `xml:"type,attr"`
		Index        uint8      `xml:"index,attr"`
		Active       bool       `xml:"active,attr"`
		Alternatives int        `xml:"alternatives,attr"`
		Name         string     `xml:"name,attr"`
		Size         int        `xml:"size,attr"`
		Attr         []xml.Attr `xml:",any,attr"`
	}
	if err := d.DecodeElement(&tmp, &start); err != nil {
		return err
	}

	r.Type = tmp.Type
	r.Index = tmp.Index
	r.Active = tmp.Active
	r.Alternatives = tmp.Alternatives
	r.Name = tmp.Name
	r.Size = tmp.Size
	r.Hashes = make([]string, 0)

	for _, attr := range tmp.Attr {
		if strings.HasPrefix(attr.Name.Local, "Hash") {
			r.Hashes = append(r.Hashes, attr.Value)
		}
	}

	return nil
}

// SoftwareIdentity is an ISO/IEC 19770-2 Software Identification (CoSWID)
// document, the wire format the NVIDIA RIM service returns for both driver
// and VBIOS reference measurements.
type SoftwareIdentity struct {
	XMLName      xml.Name `xml:"SoftwareIdentity"`
	Text         string   `xml:",chardata"`
	Xmlns        string   `xml:"xmlns,attr"`
	Ns0          string   `xml:"ns0,attr"`
	Ns2          string   `xml:"ns2,attr"`
	Corpus       string   `xml:"corpus,attr"`
	Name         string   `xml:"name,attr"`
	Patch        string   `xml:"patch,attr"`
	Supplemental string   `xml:"supplemental,attr"`
	TagID        string   `xml:"tagId,attr"`
	Version      string   `xml:"version,attr"`
	TagVersion   string   `xml:"tagVersion,attr"`
	Entity       struct {
		Text string `xml:",chardata"`
		Name string `xml:"name,attr"`
		Role string `xml:"role,attr"`
	} `xml:"Entity"`
	Meta struct {
		Text                    string `xml:",chardata"`
		Ns1                     string `xml:"ns1,attr"`
		ColloquialVersion       string `xml:"colloquialVersion,attr"`
		Edition                 string `xml:"edition,attr"`
		Product                 string `xml:"product,attr"`
		Revision                string `xml:"revision,attr"`
		PayloadType             string `xml:"PayloadType,attr"`
		BindingSpec             string `xml:"BindingSpec,attr"`
		BindingSpecVersion      string `xml:"BindingSpecVersion,attr"`
		PlatformManufacturerID  string `xml:"PlatformManufacturerId,attr"`
		PlatformManufacturerStr string `xml:"PlatformManufacturerStr,attr"`
		PlatformModel           string `xml:"PlatformModel,attr"`
		FirmwareManufacturer    string `xml:"FirmwareManufacturer,attr"`
		FirmwareManufacturerID  string `xml:"FirmwareManufacturerId,attr"`
	} `xml:"Meta"`
	Payload struct {
		Text     string     `xml:",chardata"`
		SHA384   string     `xml:"SHA384,attr"`
		Resource []Resource `xml:"Resource"`
	} `xml:"Payload"`
	Signature struct {
		Text       string `xml:",chardata"`
		Ds         string `xml:"ds,attr"`
		SignedInfo struct {
			Text                   string `xml:",chardata"`
			CanonicalizationMethod struct {
				Text      string `xml:",chardata"`
				Algorithm string `xml:"Algorithm,attr"`
			} `xml:"CanonicalizationMethod"`
			SignatureMethod struct {
				Text      string `xml:",chardata"`
				Algorithm string `xml:"Algorithm,attr"`
			} `xml:"SignatureMethod"`
			Reference struct {
				Text       string `xml:",chardata"`
				URI        string `xml:"URI,attr"`
				Transforms struct {
					Text      string `xml:",chardata"`
					Transform []struct {
						Text      string `xml:",chardata"`
						Algorithm string `xml:"Algorithm,attr"`
					} `xml:"Transform"`
				} `xml:"Transforms"`
				DigestMethod struct {
					Text      string `xml:",chardata"`
					Algorithm string `xml:"Algorithm,attr"`
				} `xml:"DigestMethod"`
				DigestValue string `xml:"DigestValue"`
			} `xml:"Reference"`
		} `xml:"SignedInfo"`
		SignatureValue string `xml:"SignatureValue"`
		KeyInfo        struct {
			Text     string `xml:",chardata"`
			X509Data struct {
				Text            string   `xml:",chardata"`
				X509Certificate []string `xml:"X509Certificate"`
			} `xml:"X509Data"`
		} `xml:"KeyInfo"`
	} `xml:"Signature"`
}

// SigningCerts decodes the X.509 chain embedded in the document's KeyInfo,
// ordered as the document lists them (leaf first).
func (s SoftwareIdentity) SigningCerts() ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, len(s.Signature.KeyInfo.X509Data.X509Certificate))
	for i, certB64 := range s.Signature.KeyInfo.X509Data.X509Certificate {
		certDER, err := base64.StdEncoding.DecodeString(certB64)
		if err != nil {
			return nil, fmt.Errorf("decoding signing certificate %d: %w", i, err)
		}
		cert, err := x509.ParseCertificate(certDER)
		if err != nil {
			return nil, fmt.Errorf("parsing signing certificate %d: %w", i, err)
		}
		certs[i] = cert
	}
	return certs, nil
}

// ManufacturerID is the RIM's firmware manufacturer identifier, or its
// platform manufacturer identifier when the former is empty; the
// orchestrator uses it as the OEM ID claim.
func (s SoftwareIdentity) ManufacturerID() string {
	if s.Meta.FirmwareManufacturerID != "" {
		return s.Meta.FirmwareManufacturerID
	}
	return s.Meta.PlatformManufacturerID
}

// activeMeasurements returns the index -> acceptable-digests map for this
// document's active resources, per spec's "dense map of acceptable
// digests" golden-measurement contract.
func (s SoftwareIdentity) activeMeasurements() map[uint8][]string {
	measurements := make(map[uint8][]string)
	for _, resource := range s.Payload.Resource {
		if !resource.Active {
			continue
		}
		measurements[resource.Index] = resource.Hashes
	}
	return measurements
}

// GoldenMeasurements merges the active measurements of a driver RIM and a
// VBIOS RIM into the single dense map the measurement comparator (C6)
// consumes. The two documents are expected to cover disjoint indices —
// driver-managed slots and board slots respectively — so an index present
// in both is a configuration conflict, not a legitimate override.
func GoldenMeasurements(driverRefs, vbiosRefs *SoftwareIdentity) (map[uint8][]string, error) {
	golden := make(map[uint8][]string)
	if vbiosRefs != nil {
		for index, digests := range vbiosRefs.activeMeasurements() {
			golden[index] = digests
		}
	}
	if driverRefs != nil {
		for index, digests := range driverRefs.activeMeasurements() {
			if _, exists := golden[index]; exists {
				return nil, fmt.Errorf("measurement index %d is claimed by both the driver and VBIOS RIM", index)
			}
			golden[index] = digests
		}
	}
	return golden, nil
}
