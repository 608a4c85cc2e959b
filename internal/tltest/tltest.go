// Package tltest builds certificates and trusted-list documents for tests.
package tltest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"
)

// Cert creates a self-signed ECDSA certificate. mutate may adjust the
// template before signing.
func Cert(t testing.TB, cn string, mutate func(*x509.Certificate)) *x509.Certificate {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			CommonName:   cn,
			Organization: []string{"Test Org"},
			Country:      []string{"BE"},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:  x509.KeyUsageDigitalSignature,
	}
	if mutate != nil {
		mutate(template)
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return cert
}

// Base64 encodes a certificate folded at 64 columns, as lists publish them.
func Base64(cert *x509.Certificate) string {
	enc := base64.StdEncoding.EncodeToString(cert.Raw)
	var sb strings.Builder
	for len(enc) > 64 {
		sb.WriteString(enc[:64])
		sb.WriteString("\n\t\t\t")
		enc = enc[64:]
	}
	sb.WriteString(enc)
	return sb.String()
}

// Date parses an RFC 3339 timestamp or fails the test.
func Date(t testing.TB, s string) time.Time {
	t.Helper()
	d, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("bad date %q: %v", s, err)
	}
	return d
}

// Qualification is one QualificationElement. Criteria is raw XML for the
// content of the root CriteriaList.
type Qualification struct {
	Qualifiers []string
	Assert     string
	Criteria   string
}

// Info is a ServiceInformation or ServiceHistoryInstance block.
type Info struct {
	Type           string
	Status         string
	Start          time.Time
	Extensions     []string
	Qualifications []Qualification
}

// Service is a TSPService. Infos[0] is rendered as the current
// ServiceInformation, the rest as history.
type Service struct {
	Name  string
	Certs []*x509.Certificate
	Infos []Info
}

// CountryList renders a national trusted list.
type CountryList struct {
	Territory string
	Services  []Service
	Signer    *x509.Certificate
}

// Pointer is an OtherTSLPointer of a list of lists.
type Pointer struct {
	Territory string
	Location  string
	MimeType  string
	Certs     []*x509.Certificate
}

// ListOfLists renders a LOTL or pivot document.
type ListOfLists struct {
	Territory  string
	Sequence   int
	SchemeURIs []string
	Pointers   []Pointer
	Signer     *x509.Certificate
}

const header = `<?xml version="1.0" encoding="UTF-8"?>
<tsl:TrustServiceStatusList xmlns:tsl="http://uri.etsi.org/02231/v2#" xmlns:ds="http://www.w3.org/2000/09/xmldsig#" xmlns:tslx="http://uri.etsi.org/02231/v2/additionaltypes#" xmlns:ecc="http://uri.etsi.org/TrstSvc/SvcInfoExt/eSigDir-1999-93-EC-TrustedList/#" Id="tsl">
`

// XML renders the country list.
func (l CountryList) XML() []byte {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("<tsl:SchemeInformation>\n")
	fmt.Fprintf(&sb, "<tsl:TSLSequenceNumber>1</tsl:TSLSequenceNumber>\n<tsl:SchemeTerritory>%s</tsl:SchemeTerritory>\n", l.Territory)
	sb.WriteString("<tsl:ListIssueDateTime>2024-01-01T00:00:00Z</tsl:ListIssueDateTime>\n")
	sb.WriteString("<tsl:NextUpdate><tsl:dateTime>2024-07-01T00:00:00Z</tsl:dateTime></tsl:NextUpdate>\n")
	sb.WriteString("</tsl:SchemeInformation>\n")
	sb.WriteString("<tsl:TrustServiceProviderList>\n<tsl:TrustServiceProvider>\n")
	sb.WriteString("<tsl:TSPInformation><tsl:TSPName><tsl:Name xml:lang=\"en\">Test TSP</tsl:Name></tsl:TSPName></tsl:TSPInformation>\n")
	sb.WriteString("<tsl:TSPServices>\n")
	for _, svc := range l.Services {
		sb.WriteString("<tsl:TSPService>\n")
		for i, info := range svc.Infos {
			if i == 0 {
				sb.WriteString("<tsl:ServiceInformation>\n")
			} else {
				if i == 1 {
					sb.WriteString("<tsl:ServiceHistory>\n")
				}
				sb.WriteString("<tsl:ServiceHistoryInstance>\n")
			}
			writeInfo(&sb, svc, info)
			if i == 0 {
				sb.WriteString("</tsl:ServiceInformation>\n")
			} else {
				sb.WriteString("</tsl:ServiceHistoryInstance>\n")
			}
		}
		if len(svc.Infos) > 1 {
			sb.WriteString("</tsl:ServiceHistory>\n")
		}
		sb.WriteString("</tsl:TSPService>\n")
	}
	sb.WriteString("</tsl:TSPServices>\n</tsl:TrustServiceProvider>\n</tsl:TrustServiceProviderList>\n")
	writeSignature(&sb, l.Signer)
	sb.WriteString("</tsl:TrustServiceStatusList>\n")
	return []byte(sb.String())
}

func writeInfo(sb *strings.Builder, svc Service, info Info) {
	fmt.Fprintf(sb, "<tsl:ServiceTypeIdentifier>%s</tsl:ServiceTypeIdentifier>\n", info.Type)
	fmt.Fprintf(sb, "<tsl:ServiceName><tsl:Name xml:lang=\"en\">%s</tsl:Name></tsl:ServiceName>\n", svc.Name)
	sb.WriteString("<tsl:ServiceDigitalIdentity>\n")
	for _, cert := range svc.Certs {
		fmt.Fprintf(sb, "<tsl:DigitalId><tsl:X509Certificate>\n\t\t\t%s\n\t\t</tsl:X509Certificate></tsl:DigitalId>\n", Base64(cert))
	}
	sb.WriteString("</tsl:ServiceDigitalIdentity>\n")
	fmt.Fprintf(sb, "<tsl:ServiceStatus>%s</tsl:ServiceStatus>\n", info.Status)
	fmt.Fprintf(sb, "<tsl:StatusStartingTime>%s</tsl:StatusStartingTime>\n", info.Start.UTC().Format(time.RFC3339))
	if len(info.Extensions) == 0 && len(info.Qualifications) == 0 {
		return
	}
	sb.WriteString("<tsl:ServiceInformationExtensions>\n")
	for _, ext := range info.Extensions {
		fmt.Fprintf(sb, "<tsl:Extension Critical=\"true\"><tsl:AdditionalServiceInformation><tsl:URI xml:lang=\"en\">%s</tsl:URI></tsl:AdditionalServiceInformation></tsl:Extension>\n", ext)
	}
	if len(info.Qualifications) > 0 {
		sb.WriteString("<tsl:Extension Critical=\"true\"><ecc:Qualifications>\n")
		for _, q := range info.Qualifications {
			sb.WriteString("<ecc:QualificationElement><ecc:Qualifiers>")
			for _, uri := range q.Qualifiers {
				fmt.Fprintf(sb, "<ecc:Qualifier uri=\"%s\"/>", uri)
			}
			assert := q.Assert
			if assert == "" {
				assert = "atLeastOne"
			}
			fmt.Fprintf(sb, "</ecc:Qualifiers>\n<ecc:CriteriaList assert=\"%s\">%s</ecc:CriteriaList>\n</ecc:QualificationElement>\n", assert, q.Criteria)
		}
		sb.WriteString("</ecc:Qualifications></tsl:Extension>\n")
	}
	sb.WriteString("</tsl:ServiceInformationExtensions>\n")
}

// XML renders the list of lists.
func (l ListOfLists) XML() []byte {
	var sb strings.Builder
	territory := l.Territory
	if territory == "" {
		territory = "EU"
	}
	sb.WriteString(header)
	sb.WriteString("<tsl:SchemeInformation>\n")
	fmt.Fprintf(&sb, "<tsl:TSLSequenceNumber>%d</tsl:TSLSequenceNumber>\n", l.Sequence)
	sb.WriteString("<tsl:TSLType>http://uri.etsi.org/TrstSvc/TrustedList/TSLType/EUlistofthelists</tsl:TSLType>\n")
	if len(l.SchemeURIs) > 0 {
		sb.WriteString("<tsl:SchemeInformationURI>\n")
		for _, uri := range l.SchemeURIs {
			fmt.Fprintf(&sb, "<tsl:URI xml:lang=\"en\">%s</tsl:URI>\n", uri)
		}
		sb.WriteString("</tsl:SchemeInformationURI>\n")
	}
	fmt.Fprintf(&sb, "<tsl:SchemeTerritory>%s</tsl:SchemeTerritory>\n", territory)
	sb.WriteString("<tsl:PointersToOtherTSL>\n")
	for _, p := range l.Pointers {
		mime := p.MimeType
		if mime == "" {
			mime = "application/vnd.etsi.tsl+xml"
		}
		sb.WriteString("<tsl:OtherTSLPointer>\n<tsl:ServiceDigitalIdentities><tsl:ServiceDigitalIdentity>\n")
		for _, cert := range p.Certs {
			fmt.Fprintf(&sb, "<tsl:DigitalId><tsl:X509Certificate>%s</tsl:X509Certificate></tsl:DigitalId>\n", Base64(cert))
		}
		sb.WriteString("</tsl:ServiceDigitalIdentity></tsl:ServiceDigitalIdentities>\n")
		fmt.Fprintf(&sb, "<tsl:TSLLocation>%s</tsl:TSLLocation>\n", p.Location)
		sb.WriteString("<tsl:AdditionalInformation>\n")
		fmt.Fprintf(&sb, "<tsl:OtherInformation><tsl:SchemeTerritory>%s</tsl:SchemeTerritory></tsl:OtherInformation>\n", p.Territory)
		fmt.Fprintf(&sb, "<tsl:OtherInformation><tslx:MimeType>%s</tslx:MimeType></tsl:OtherInformation>\n", mime)
		sb.WriteString("</tsl:AdditionalInformation>\n</tsl:OtherTSLPointer>\n")
	}
	sb.WriteString("</tsl:PointersToOtherTSL>\n")
	sb.WriteString("<tsl:ListIssueDateTime>2024-01-01T00:00:00Z</tsl:ListIssueDateTime>\n")
	sb.WriteString("<tsl:NextUpdate><tsl:dateTime>2024-07-01T00:00:00Z</tsl:dateTime></tsl:NextUpdate>\n")
	sb.WriteString("</tsl:SchemeInformation>\n")
	writeSignature(&sb, l.Signer)
	sb.WriteString("</tsl:TrustServiceStatusList>\n")
	return []byte(sb.String())
}

func writeSignature(sb *strings.Builder, signer *x509.Certificate) {
	if signer == nil {
		return
	}
	sb.WriteString("<ds:Signature Id=\"sig\"><ds:SignedInfo/><ds:SignatureValue>AA==</ds:SignatureValue>\n")
	fmt.Fprintf(sb, "<ds:KeyInfo><ds:X509Data><ds:X509Certificate>%s</ds:X509Certificate></ds:X509Data></ds:KeyInfo>\n", Base64(signer))
	sb.WriteString("</ds:Signature>\n")
}
