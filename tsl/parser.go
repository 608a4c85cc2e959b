package tsl

import (
	"bytes"
	"crypto/x509"
	"encoding/base64"
	"encoding/xml"
	"io"
	"strings"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"

	"github.com/georgepadayatti/gotsl/report"
)

// CheckParse is the report check used for recoverable parse problems.
const CheckParse = "tsl.parse"

const xmlDSigNamespace = "http://www.w3.org/2000/09/xmldsig#"

// Parser reads trusted-list documents from an XML token stream.
type Parser struct {
	// AllowedServiceTypes restricts CountryContexts to these service type
	// URIs. Empty accepts every type.
	AllowedServiceTypes []string
	// ParseCertificate decodes DER certificates. Defaults to x509.ParseCertificate.
	ParseCertificate func(der []byte) (*x509.Certificate, error)
	// Report receives INFO items for skipped certificates and entries.
	Report *report.Report
}

// ParseAllCertificates returns every certificate of the document outside
// its XML signature.
func ParseAllCertificates(r io.Reader) ([]*x509.Certificate, error) {
	return (&Parser{}).AllCertificates(r)
}

// ParseCountryContexts returns the TSPService entries of a national list
// whose service type is in allowedServiceTypes.
func ParseCountryContexts(r io.Reader, allowedServiceTypes []string) ([]*CountryServiceContext, error) {
	return (&Parser{AllowedServiceTypes: allowedServiceTypes}).CountryContexts(r)
}

// AllCertificates collects each distinct X509Certificate outside ds:Signature.
func (p *Parser) AllCertificates(r io.Reader) ([]*x509.Certificate, error) {
	h := &certCollector{p: p}
	if err := walk(r, h); err != nil {
		return nil, err
	}
	return h.certs, nil
}

// CountryContexts builds one CountryServiceContext per accepted TSPService.
func (p *Parser) CountryContexts(r io.Reader) ([]*CountryServiceContext, error) {
	h := &countryHandler{p: p, allowed: make(map[string]bool)}
	for _, t := range p.AllowedServiceTypes {
		h.allowed[t] = true
	}
	if err := walk(r, h); err != nil {
		return nil, err
	}
	return h.contexts, nil
}

func (p *Parser) decodeCertificate(text string) (*x509.Certificate, error) {
	clean := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, text)
	der, err := base64.StdEncoding.DecodeString(clean)
	if err != nil {
		return nil, errors.Wrap(err, "decode certificate base64")
	}
	parse := p.ParseCertificate
	if parse == nil {
		parse = x509.ParseCertificate
	}
	cert, err := parse(der)
	if err != nil {
		return nil, errors.Wrap(err, "parse certificate")
	}
	return cert, nil
}

func (p *Parser) warn(message string, err error) {
	if p.Report != nil {
		p.Report.AddError(CheckParse, message, err, report.ResultInfo)
	}
}

// handler receives element events. path holds the local names of the open
// ancestors of the element.
type handler interface {
	start(el xml.StartElement, path []string)
	end(name, text string, path []string)
}

// walk drives h over the token stream, skipping ds:Signature subtrees.
func walk(r io.Reader, h handler) error {
	dec := xml.NewDecoder(r)
	var (
		path []string
		text strings.Builder
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			if len(path) != 0 {
				return errors.Newf("unexpected end of document inside <%s>", path[len(path)-1])
			}
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read trusted list")
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Space == xmlDSigNamespace && t.Name.Local == "Signature" {
				if err := dec.Skip(); err != nil {
					return errors.Wrap(err, "skip signature")
				}
				continue
			}
			text.Reset()
			h.start(t, path)
			path = append(path, t.Name.Local)
		case xml.EndElement:
			path = path[:len(path)-1]
			h.end(t.Name.Local, strings.TrimSpace(text.String()), path)
			text.Reset()
		case xml.CharData:
			text.Write(t)
		}
	}
}

func attr(el xml.StartElement, local string) string {
	for _, a := range el.Attr {
		if a.Name.Local == local {
			return strings.TrimSpace(a.Value)
		}
	}
	return ""
}

func parent(path []string) string {
	if len(path) == 0 {
		return ""
	}
	return path[len(path)-1]
}

type certCollector struct {
	p     *Parser
	certs []*x509.Certificate
}

func (c *certCollector) start(xml.StartElement, []string) {}

func (c *certCollector) end(name, text string, _ []string) {
	if name != "X509Certificate" || text == "" {
		return
	}
	cert, err := c.p.decodeCertificate(text)
	if err != nil {
		c.p.warn("skipping undecodable certificate", err)
		return
	}
	for _, seen := range c.certs {
		if bytes.Equal(seen.Raw, cert.Raw) {
			return
		}
	}
	c.certs = append(c.certs, cert)
}

// countryHandler holds the parse state for national lists. criteria is the
// stack of open CriteriaList nodes; its bottom is the root of the current
// QualificationElement.
type countryHandler struct {
	p        *Parser
	allowed  map[string]bool
	contexts []*CountryServiceContext

	tspName   string
	service   *CountryServiceContext
	info      *ChronologicalInfo
	infoType  string
	infoCerts []*x509.Certificate
	infoOK    bool
	current   bool

	additional bool
	qualifier  *QualifierExtension
	criteria   []*CriteriaList
	leaf       Criterion
	bitName    string
}

func (h *countryHandler) start(el xml.StartElement, path []string) {
	switch el.Name.Local {
	case "TrustServiceProvider":
		h.tspName = ""
	case "TSPService":
		h.service = &CountryServiceContext{TSPName: h.tspName}
	case "ServiceInformation", "ServiceHistoryInstance":
		if h.service == nil {
			return
		}
		h.info = &ChronologicalInfo{}
		h.infoType = ""
		h.infoCerts = nil
		h.infoOK = true
		h.current = el.Name.Local == "ServiceInformation"
	case "AdditionalServiceInformation":
		h.additional = h.info != nil
	case "QualificationElement":
		if h.info != nil {
			h.qualifier = &QualifierExtension{}
			h.criteria = h.criteria[:0]
		}
	case "Qualifier":
		if h.qualifier != nil {
			if uri := attr(el, "uri"); uri != "" {
				h.qualifier.Qualifiers = append(h.qualifier.Qualifiers, uri)
			}
		}
	case "CriteriaList":
		if h.qualifier != nil {
			h.criteria = append(h.criteria, &CriteriaList{Assert: Assert(attr(el, "assert"))})
		}
	case "PolicySet":
		h.openLeaf(&PolicySetCriterion{})
	case "CertSubjectDNAttribute":
		h.openLeaf(&CertSubjectDNCriterion{})
	case "ExtendedKeyUsage":
		h.openLeaf(&ExtendedKeyUsageCriterion{})
	case "KeyUsage":
		h.openLeaf(&KeyUsageCriterion{Bits: make(map[string]bool)})
	case "KeyUsageBit":
		h.bitName = attr(el, "name")
	}
}

func (h *countryHandler) openLeaf(c Criterion) {
	if len(h.criteria) > 0 {
		h.leaf = c
	}
}

func (h *countryHandler) end(name, text string, path []string) {
	switch name {
	case "Name":
		switch parent(path) {
		case "TSPName":
			if h.service == nil && h.tspName == "" {
				h.tspName = text
			}
		case "ServiceName":
			if h.info != nil && h.current && h.service.ServiceName == "" {
				h.service.ServiceName = text
			}
		}
	case "X509Certificate":
		if h.info == nil || text == "" {
			return
		}
		cert, err := h.p.decodeCertificate(text)
		if err != nil {
			h.p.warn("skipping undecodable service certificate", err)
			return
		}
		h.infoCerts = append(h.infoCerts, cert)
	case "ServiceTypeIdentifier":
		if h.info != nil {
			h.infoType = text
		}
	case "ServiceStatus":
		if h.info != nil {
			h.info.Status = text
		}
	case "StatusStartingTime":
		if h.info == nil {
			return
		}
		start, err := parseDateTime(text)
		if err != nil {
			h.infoOK = false
			h.p.warn("skipping service information with invalid starting time", err)
			return
		}
		h.info.Start = start
	case "URI":
		if h.additional && text != "" {
			h.info.ServiceExtensions = append(h.info.ServiceExtensions, text)
		}
	case "AdditionalServiceInformation":
		h.additional = false
	case "Identifier":
		oid := strings.TrimPrefix(text, "urn:oid:")
		switch leaf := h.leaf.(type) {
		case *PolicySetCriterion:
			leaf.PolicyOIDs = append(leaf.PolicyOIDs, oid)
		case *CertSubjectDNCriterion:
			leaf.AttributeOIDs = append(leaf.AttributeOIDs, oid)
		case *ExtendedKeyUsageCriterion:
			leaf.KeyPurposeOIDs = append(leaf.KeyPurposeOIDs, oid)
		}
	case "KeyUsageBit":
		if leaf, ok := h.leaf.(*KeyUsageCriterion); ok && h.bitName != "" {
			leaf.Bits[h.bitName] = strings.EqualFold(text, "true") || text == "1"
		}
		h.bitName = ""
	case "PolicySet", "CertSubjectDNAttribute", "ExtendedKeyUsage", "KeyUsage":
		if h.leaf != nil && len(h.criteria) > 0 {
			h.criteria[len(h.criteria)-1].Add(h.leaf)
		}
		h.leaf = nil
	case "CriteriaList":
		if len(h.criteria) == 0 {
			return
		}
		node := h.criteria[len(h.criteria)-1]
		h.criteria = h.criteria[:len(h.criteria)-1]
		if len(h.criteria) > 0 {
			h.criteria[len(h.criteria)-1].Add(node)
		} else if h.qualifier != nil {
			h.qualifier.Criteria = node
		}
	case "QualificationElement":
		if h.qualifier != nil && h.info != nil {
			h.info.Qualifiers = append(h.info.Qualifiers, h.qualifier)
		}
		h.qualifier = nil
		h.criteria = h.criteria[:0]
		h.leaf = nil
	case "ServiceInformation", "ServiceHistoryInstance":
		h.closeInfo()
	case "TSPService":
		h.closeService()
	}
}

func (h *countryHandler) closeInfo() {
	if h.info == nil {
		return
	}
	info := h.info
	h.info = nil
	if h.current {
		h.service.ServiceType = h.infoType
	}
	for _, cert := range h.infoCerts {
		h.service.addCertificate(cert)
	}
	if !h.infoOK {
		return
	}
	h.service.AddInfo(info)
}

func (h *countryHandler) closeService() {
	svc := h.service
	h.service = nil
	if svc == nil {
		return
	}
	if len(h.allowed) > 0 && !h.allowed[svc.ServiceType] {
		return
	}
	if len(svc.Certs) == 0 {
		h.p.warn("skipping service without certificates: "+svc.ServiceName, nil)
		return
	}
	h.contexts = append(h.contexts, svc)
}

func parseDateTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, errors.New("empty datetime")
	}
	formats := []string{
		time.RFC3339Nano,
		"2006-01-02T15:04:05",
		"2006-01-02",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.Newf("cannot parse datetime %q", s)
}
