package trust

import "strings"

// CertificateSource is the role in which a certificate is being validated.
type CertificateSource int

const (
	SourceOther CertificateSource = iota
	SourceSignerCert
	SourceCertIssuer
	SourceOCSPIssuer
	SourceCRLIssuer
	SourceTimestamp
	SourceTrusted
)

// String returns the string representation of the source.
func (s CertificateSource) String() string {
	switch s {
	case SourceSignerCert:
		return "signer-cert"
	case SourceCertIssuer:
		return "cert-issuer"
	case SourceOCSPIssuer:
		return "ocsp-issuer"
	case SourceCRLIssuer:
		return "crl-issuer"
	case SourceTimestamp:
		return "timestamp"
	case SourceTrusted:
		return "trusted"
	default:
		return "other"
	}
}

// Context is an immutable chain of certificate sources. The root is the
// source validation started from; each With call descends one level, for
// example from the signer certificate to the issuer of its OCSP response.
// A nil *Context is the empty chain.
type Context struct {
	source CertificateSource
	parent *Context
}

// NewContext starts a chain at source.
func NewContext(source CertificateSource) *Context {
	return &Context{source: source}
}

// With returns a child context. The receiver is not modified.
func (c *Context) With(source CertificateSource) *Context {
	return &Context{source: source, parent: c}
}

// Source returns the innermost source.
func (c *Context) Source() CertificateSource {
	if c == nil {
		return SourceOther
	}
	return c.source
}

// Parent returns the enclosing context, or nil at the root.
func (c *Context) Parent() *Context {
	if c == nil {
		return nil
	}
	return c.parent
}

// Sources lists the chain innermost first.
func (c *Context) Sources() []CertificateSource {
	var out []CertificateSource
	for n := c; n != nil; n = n.parent {
		out = append(out, n.source)
	}
	return out
}

// Contains reports whether any level of the chain is one of sources.
func (c *Context) Contains(sources ...CertificateSource) bool {
	for n := c; n != nil; n = n.parent {
		for _, s := range sources {
			if n.source == s {
				return true
			}
		}
	}
	return false
}

// IsSignerChain reports whether the chain validates the signing
// certificate itself rather than revocation data or a timestamp.
func (c *Context) IsSignerChain() bool {
	if c == nil || c.Contains(SourceOCSPIssuer, SourceCRLIssuer, SourceTimestamp) {
		return false
	}
	root := c
	for root.parent != nil {
		root = root.parent
	}
	return root.source == SourceSignerCert
}

// String lists the context's certificate sources.
func (c *Context) String() string {
	sources := c.Sources()
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[len(sources)-1-i] = s.String()
	}
	return strings.Join(parts, " > ")
}
