package tltest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/moov-io/signedxml"
)

// Signer is an RSA key pair able to produce XML signatures.
type Signer struct {
	Cert *x509.Certificate
	Key  *rsa.PrivateKey
}

// NewSigner creates a self-signed RSA signer.
func NewSigner(t testing.TB, cn string) *Signer {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	serial, _ := rand.Int(rand.Reader, big.NewInt(1<<62))
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: cn, Country: []string{"BE"}},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("Failed to create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("Failed to parse certificate: %v", err)
	}
	return &Signer{Cert: cert, Key: key}
}

const signatureTemplate = `<Signature xmlns="http://www.w3.org/2000/09/xmldsig#" Id="sig">` +
	`<SignedInfo xmlns="http://www.w3.org/2000/09/xmldsig#">` +
	`<CanonicalizationMethod Algorithm="http://www.w3.org/TR/2001/REC-xml-c14n-20010315"/>` +
	`<SignatureMethod Algorithm="http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"/>` +
	`%s</SignedInfo><SignatureValue/>` +
	`<KeyInfo><X509Data><X509Certificate>%s</X509Certificate></X509Data></KeyInfo>` +
	`</Signature>`

const referenceTemplate = `<Reference URI="%s"><Transforms>` +
	`<Transform Algorithm="http://www.w3.org/2000/09/xmldsig#enveloped-signature"/>` +
	`</Transforms><DigestMethod Algorithm="http://www.w3.org/2001/04/xmlenc#sha256"/>` +
	`<DigestValue></DigestValue></Reference>`

// Sign inserts an enveloped signature before the closing tag named by
// closeTag and signs it. Each reference URI gets one Reference; the default
// is a single URI="" covering the whole document. IDs are matched against
// the Id attribute.
func (s *Signer) Sign(t testing.TB, doc []byte, closeTag string, references ...string) []byte {
	t.Helper()

	if len(references) == 0 {
		references = []string{""}
	}
	var refs strings.Builder
	for _, uri := range references {
		fmt.Fprintf(&refs, referenceTemplate, uri)
	}
	sig := fmt.Sprintf(signatureTemplate, refs.String(), base64.StdEncoding.EncodeToString(s.Cert.Raw))

	text := string(doc)
	i := strings.LastIndex(text, closeTag)
	if i < 0 {
		t.Fatalf("closing tag %q not found", closeTag)
	}
	text = text[:i] + sig + "\n" + text[i:]

	signer, err := signedxml.NewSigner(text)
	if err != nil {
		t.Fatalf("Failed to read document: %v", err)
	}
	signer.SetReferenceIDAttribute("Id")
	signed, err := signer.Sign(s.Key)
	if err != nil {
		t.Fatalf("Failed to sign document: %v", err)
	}
	return []byte(signed)
}

// RootCloseTag closes the documents rendered by CountryList and ListOfLists.
const RootCloseTag = "</tsl:TrustServiceStatusList>"
