package qualified

import (
	"crypto/x509"
	"encoding/asn1"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// QC statement OIDs from ETSI EN 319 412-5.
var (
	OIDQcStatements = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 3}
	OIDQcCompliance = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 1}
	OIDQcSSCD       = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 4}
	OIDQcType       = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6}

	OIDQcTypeESign = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 1}
	OIDQcTypeESeal = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 2}
	OIDQcTypeWeb   = asn1.ObjectIdentifier{0, 4, 0, 1862, 1, 6, 3}
)

// Certificate policies of ETSI TS 101 456 used before eIDAS.
const (
	PolicyQCPPublicWithSSCD = "0.4.0.1456.1.1"
	PolicyQCPPublic         = "0.4.0.1456.1.2"
)

// Statements is the content of a QCStatements extension relevant to
// qualification.
type Statements struct {
	Compliance bool
	SSCD       bool
	Types      []asn1.ObjectIdentifier
}

// ParseStatements reads the QCStatements extension of cert. It returns nil
// without error when the extension is absent.
func ParseStatements(cert *x509.Certificate) (*Statements, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDQcStatements) {
			return parseStatements(ext.Value)
		}
	}
	return nil, nil
}

func parseStatements(der []byte) (*Statements, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() {
		return nil, errors.New("malformed QCStatements")
	}
	s := &Statements{}
	for !seq.Empty() {
		var stmt cryptobyte.String
		var id asn1.ObjectIdentifier
		if !seq.ReadASN1(&stmt, cbasn1.SEQUENCE) || !stmt.ReadASN1ObjectIdentifier(&id) {
			return nil, errors.New("malformed QCStatement")
		}
		switch {
		case id.Equal(OIDQcCompliance):
			s.Compliance = true
		case id.Equal(OIDQcSSCD):
			s.SSCD = true
		case id.Equal(OIDQcType):
			var types cryptobyte.String
			if !stmt.ReadASN1(&types, cbasn1.SEQUENCE) {
				return nil, errors.New("malformed QcType statement")
			}
			for !types.Empty() {
				var t asn1.ObjectIdentifier
				if !types.ReadASN1ObjectIdentifier(&t) {
					return nil, errors.New("malformed QcType identifier")
				}
				s.Types = append(s.Types, t)
			}
		}
	}
	return s, nil
}

// Type resolves the QcType statement. Several distinct types are
// incoherent; compliance without a type means an e-signature certificate.
func (s *Statements) Type() CertType {
	if s == nil {
		return TypeUndefined
	}
	typ := TypeUndefined
	for _, oid := range s.Types {
		var t CertType
		switch {
		case oid.Equal(OIDQcTypeESign):
			t = TypeESig
		case oid.Equal(OIDQcTypeESeal):
			t = TypeESeal
		case oid.Equal(OIDQcTypeWeb):
			t = TypeWSA
		default:
			continue
		}
		if typ != TypeUndefined && typ != t {
			return TypeIncoherent
		}
		typ = t
	}
	if typ == TypeUndefined && s.Compliance {
		return TypeESig
	}
	return typ
}

// hasPolicy reports whether cert declares the policy with dotted oid.
func hasPolicy(cert *x509.Certificate, oid string) bool {
	for _, p := range cert.PolicyIdentifiers {
		if p.String() == oid {
			return true
		}
	}
	for _, p := range cert.Policies {
		if p.String() == oid {
			return true
		}
	}
	return false
}
