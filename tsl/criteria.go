package tsl

import (
	"crypto/x509"
	"strings"
)

// Assert defines how the children of a CriteriaList are combined.
type Assert string

const (
	AssertAll        Assert = "all"
	AssertAtLeastOne Assert = "atLeastOne"
	AssertNone       Assert = "none"
)

// Criterion is a node of a qualification criteria tree.
type Criterion interface {
	// Matches evaluates a certificate against this criterion.
	Matches(cert *x509.Certificate) bool
}

// CriteriaList combines child criteria according to its Assert mode.
type CriteriaList struct {
	Assert   Assert
	Children []Criterion
}

// Matches implements Criterion. An unknown assert value never matches.
func (c *CriteriaList) Matches(cert *x509.Certificate) bool {
	switch c.Assert {
	case AssertAll:
		for _, child := range c.Children {
			if !child.Matches(cert) {
				return false
			}
		}
		return true
	case AssertAtLeastOne:
		for _, child := range c.Children {
			if child.Matches(cert) {
				return true
			}
		}
		return false
	case AssertNone:
		for _, child := range c.Children {
			if child.Matches(cert) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Add appends a child criterion.
func (c *CriteriaList) Add(child Criterion) {
	c.Children = append(c.Children, child)
}

// PolicySetCriterion matches certificates carrying every listed policy OID.
type PolicySetCriterion struct {
	PolicyOIDs []string
}

// Matches implements Criterion.
func (c *PolicySetCriterion) Matches(cert *x509.Certificate) bool {
	found := make(map[string]bool, len(cert.PolicyIdentifiers))
	for _, oid := range cert.PolicyIdentifiers {
		found[oid.String()] = true
	}
	for _, oid := range cert.Policies {
		found[oid.String()] = true
	}
	for _, oid := range c.PolicyOIDs {
		if !found[oid] {
			return false
		}
	}
	return true
}

// CertSubjectDNCriterion matches certificates whose subject contains every
// listed attribute type.
type CertSubjectDNCriterion struct {
	AttributeOIDs []string
}

// Matches implements Criterion.
func (c *CertSubjectDNCriterion) Matches(cert *x509.Certificate) bool {
	found := make(map[string]bool, len(cert.Subject.Names))
	for _, name := range cert.Subject.Names {
		found[name.Type.String()] = true
	}
	for _, oid := range c.AttributeOIDs {
		if !found[oid] {
			return false
		}
	}
	return true
}

// ExtendedKeyUsageCriterion matches certificates carrying every listed key
// purpose.
type ExtendedKeyUsageCriterion struct {
	KeyPurposeOIDs []string
}

// Matches implements Criterion.
func (c *ExtendedKeyUsageCriterion) Matches(cert *x509.Certificate) bool {
	for _, oid := range c.KeyPurposeOIDs {
		if !hasExtendedKeyUsage(cert, oid) {
			return false
		}
	}
	return true
}

// KeyUsageCriterion maps KeyUsageBit names to their required value.
type KeyUsageCriterion struct {
	Bits map[string]bool
}

// Matches implements Criterion. Unknown bit names never match.
func (c *KeyUsageCriterion) Matches(cert *x509.Certificate) bool {
	for name, want := range c.Bits {
		ku, ok := keyUsageBits[strings.ToLower(name)]
		if !ok {
			return false
		}
		if (cert.KeyUsage&ku != 0) != want {
			return false
		}
	}
	return true
}

// keyUsageBits is keyed by the lowercased names used in KeyUsageBit@name.
var keyUsageBits = map[string]x509.KeyUsage{
	"digitalsignature": x509.KeyUsageDigitalSignature,
	"nonrepudiation":   x509.KeyUsageContentCommitment,
	"keyencipherment":  x509.KeyUsageKeyEncipherment,
	"dataencipherment": x509.KeyUsageDataEncipherment,
	"keyagreement":     x509.KeyUsageKeyAgreement,
	"keycertsign":      x509.KeyUsageCertSign,
	"crlsign":          x509.KeyUsageCRLSign,
	"encipheronly":     x509.KeyUsageEncipherOnly,
	"decipheronly":     x509.KeyUsageDecipherOnly,
}

var extKeyUsageOIDs = map[x509.ExtKeyUsage]string{
	x509.ExtKeyUsageAny:             "2.5.29.37.0",
	x509.ExtKeyUsageServerAuth:      "1.3.6.1.5.5.7.3.1",
	x509.ExtKeyUsageClientAuth:      "1.3.6.1.5.5.7.3.2",
	x509.ExtKeyUsageCodeSigning:     "1.3.6.1.5.5.7.3.3",
	x509.ExtKeyUsageEmailProtection: "1.3.6.1.5.5.7.3.4",
	x509.ExtKeyUsageTimeStamping:    "1.3.6.1.5.5.7.3.8",
	x509.ExtKeyUsageOCSPSigning:     "1.3.6.1.5.5.7.3.9",
}

func hasExtendedKeyUsage(cert *x509.Certificate, oid string) bool {
	for _, eku := range cert.ExtKeyUsage {
		if extKeyUsageOIDs[eku] == oid {
			return true
		}
	}
	for _, unknown := range cert.UnknownExtKeyUsage {
		if unknown.String() == oid {
			return true
		}
	}
	return false
}
