package tsl

import (
	"crypto/x509"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/cockroachdb/errors"
)

// SchemeInformation is the header of a trusted list together with the
// pointers it carries to other lists.
type SchemeInformation struct {
	Territory             string
	SequenceNumber        int
	IssueDate             time.Time
	NextUpdate            time.Time
	SchemeInformationURIs []string
	Pointers              []*Pointer
}

// Pointer is an OtherTSLPointer entry.
type Pointer struct {
	Territory    string
	Location     string
	MimeType     string
	TSLType      string
	Certificates []*x509.Certificate
}

// IsTrustedList reports whether the pointer targets an XML trusted list.
func (p *Pointer) IsTrustedList() bool {
	return p.MimeType == ETSITSLMimeType
}

// ParseSchemeInformation reads the scheme information of a trusted list.
func ParseSchemeInformation(data []byte) (*SchemeInformation, error) {
	return (&Parser{}).SchemeInformation(data)
}

// SchemeInformation reads the scheme information of a trusted list.
func (p *Parser) SchemeInformation(data []byte) (*SchemeInformation, error) {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, errors.Wrap(err, "read trusted list")
	}
	root := doc.Root()
	if root == nil || root.Tag != "TrustServiceStatusList" {
		return nil, errors.New("document is not a TrustServiceStatusList")
	}
	si := child(root, "SchemeInformation")
	if si == nil {
		return nil, errors.New("trusted list has no SchemeInformation")
	}

	info := &SchemeInformation{}
	if el := child(si, "SchemeTerritory"); el != nil {
		info.Territory = strings.TrimSpace(el.Text())
	}
	if el := child(si, "TSLSequenceNumber"); el != nil {
		n, err := strconv.Atoi(strings.TrimSpace(el.Text()))
		if err != nil {
			return nil, errors.Wrap(err, "parse TSLSequenceNumber")
		}
		info.SequenceNumber = n
	}
	if el := child(si, "ListIssueDateTime"); el != nil {
		t, err := parseDateTime(strings.TrimSpace(el.Text()))
		if err != nil {
			return nil, errors.Wrap(err, "parse ListIssueDateTime")
		}
		info.IssueDate = t
	}
	if el := child(si, "NextUpdate"); el != nil {
		// A closed list has an empty NextUpdate.
		if dt := child(el, "dateTime"); dt != nil {
			if t, err := parseDateTime(strings.TrimSpace(dt.Text())); err == nil {
				info.NextUpdate = t
			}
		}
	}
	if el := child(si, "SchemeInformationURI"); el != nil {
		for _, uri := range children(el, "URI") {
			if v := strings.TrimSpace(uri.Text()); v != "" {
				info.SchemeInformationURIs = append(info.SchemeInformationURIs, v)
			}
		}
	}
	if el := child(si, "PointersToOtherTSL"); el != nil {
		for _, ptr := range children(el, "OtherTSLPointer") {
			info.Pointers = append(info.Pointers, p.pointer(ptr))
		}
	}
	return info, nil
}

func (p *Parser) pointer(el *etree.Element) *Pointer {
	ptr := &Pointer{}
	if loc := child(el, "TSLLocation"); loc != nil {
		ptr.Location = strings.TrimSpace(loc.Text())
	}
	if add := child(el, "AdditionalInformation"); add != nil {
		for _, other := range children(add, "OtherInformation") {
			for _, v := range other.ChildElements() {
				text := strings.TrimSpace(v.Text())
				switch v.Tag {
				case "SchemeTerritory":
					ptr.Territory = text
				case "MimeType":
					ptr.MimeType = text
				case "TSLType":
					ptr.TSLType = text
				}
			}
		}
	}
	if ids := child(el, "ServiceDigitalIdentities"); ids != nil {
		for _, certEl := range descendants(ids, "X509Certificate") {
			cert, err := p.decodeCertificate(certEl.Text())
			if err != nil {
				p.warn("skipping undecodable pointer certificate for "+ptr.Territory, err)
				continue
			}
			ptr.Certificates = append(ptr.Certificates, cert)
		}
	}
	return ptr
}

// TrustedListPointers returns the XML list pointers of other territories.
func (s *SchemeInformation) TrustedListPointers() []*Pointer {
	var out []*Pointer
	for _, p := range s.Pointers {
		if !p.IsTrustedList() || p.Location == "" {
			continue
		}
		if s.Territory != "" && p.Territory == s.Territory {
			continue
		}
		out = append(out, p)
	}
	return out
}

// PivotURIs returns the pivot URIs listed before the Official Journal entry,
// newest first, and whether that entry was found. With a non-empty
// journalURI only an exact match ends the walk.
func PivotURIs(schemeURIs []string, journalURI string) ([]string, bool) {
	var pivots []string
	for _, uri := range schemeURIs {
		if strings.Contains(uri, JournalURIMarker) && (journalURI == "" || uri == journalURI) {
			return pivots, true
		}
		if strings.Contains(uri, PivotURIMarker) {
			pivots = append(pivots, uri)
		}
	}
	return pivots, false
}

// child matches by local name so any namespace prefix is accepted.
func child(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			return c
		}
	}
	return nil
}

func children(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
	}
	return out
}

func descendants(el *etree.Element, tag string) []*etree.Element {
	var out []*etree.Element
	for _, c := range el.ChildElements() {
		if c.Tag == tag {
			out = append(out, c)
		}
		out = append(out, descendants(c, tag)...)
	}
	return out
}
