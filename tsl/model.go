// Package tsl models ETSI TS 119 612 trusted lists and parses them.
package tsl

import (
	"bytes"
	"crypto/x509"
	"sort"
	"time"
)

// ServiceContext is a trust anchor entry. It is either a
// *SimpleServiceContext or a *CountryServiceContext.
type ServiceContext interface {
	Certificates() []*x509.Certificate
	serviceContext()
}

// SimpleServiceContext wraps a single anchor certificate without metadata.
type SimpleServiceContext struct {
	Certificate *x509.Certificate
}

// NewSimpleServiceContexts wraps each certificate in its own context.
func NewSimpleServiceContexts(certs []*x509.Certificate) []ServiceContext {
	out := make([]ServiceContext, 0, len(certs))
	for _, cert := range certs {
		out = append(out, &SimpleServiceContext{Certificate: cert})
	}
	return out
}

// Certificates returns the single wrapped certificate.
func (s *SimpleServiceContext) Certificates() []*x509.Certificate {
	return []*x509.Certificate{s.Certificate}
}

func (*SimpleServiceContext) serviceContext() {}

// CountryServiceContext is a TSPService entry of a national trusted list.
type CountryServiceContext struct {
	ServiceType string
	ServiceName string
	TSPName     string
	Certs       []*x509.Certificate
	// Infos is ordered newest first.
	Infos []*ChronologicalInfo
}

// Certificates returns the service's digital identities as listed.
func (c *CountryServiceContext) Certificates() []*x509.Certificate {
	return c.Certs
}

func (*CountryServiceContext) serviceContext() {}

// Contains reports whether cert is one of the service's digital identities.
func (c *CountryServiceContext) Contains(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	for _, own := range c.Certs {
		if bytes.Equal(own.Raw, cert.Raw) {
			return true
		}
	}
	return false
}

// InfoAt returns the first info whose start is not after date, or nil.
func (c *CountryServiceContext) InfoAt(date time.Time) *ChronologicalInfo {
	for _, info := range c.Infos {
		if !info.Start.After(date) {
			return info
		}
	}
	return nil
}

// AddInfo inserts an info keeping Infos ordered newest first.
func (c *CountryServiceContext) AddInfo(info *ChronologicalInfo) {
	c.Infos = append(c.Infos, info)
	sort.SliceStable(c.Infos, func(i, j int) bool {
		return c.Infos[i].Start.After(c.Infos[j].Start)
	})
}

func (c *CountryServiceContext) addCertificate(cert *x509.Certificate) {
	if !c.Contains(cert) {
		c.Certs = append(c.Certs, cert)
	}
}

// ChronologicalInfo is the state of a service from Start onwards.
type ChronologicalInfo struct {
	Status            string
	Start             time.Time
	ServiceExtensions []string
	Qualifiers        []*QualifierExtension
}

// HasServiceExtension reports whether uri is among the additional service
// information URIs.
func (i *ChronologicalInfo) HasServiceExtension(uri string) bool {
	for _, ext := range i.ServiceExtensions {
		if ext == uri {
			return true
		}
	}
	return false
}

// QualifierExtension is one QualificationElement: a set of qualifier URIs
// applying to the certificates matched by Criteria.
type QualifierExtension struct {
	Qualifiers []string
	Criteria   Criterion
}

// Matches reports whether the qualifiers apply to cert. An element without
// criteria applies to nothing.
func (q *QualifierExtension) Matches(cert *x509.Certificate) bool {
	if q.Criteria == nil {
		return false
	}
	return q.Criteria.Matches(cert)
}

// Has reports whether uri is one of the qualifiers.
func (q *QualifierExtension) Has(uri string) bool {
	for _, qualifier := range q.Qualifiers {
		if qualifier == uri {
			return true
		}
	}
	return false
}

// CountryContexts filters contexts down to the country variant.
func CountryContexts(contexts []ServiceContext) []*CountryServiceContext {
	var out []*CountryServiceContext
	for _, sc := range contexts {
		if c, ok := sc.(*CountryServiceContext); ok {
			out = append(out, c)
		}
	}
	return out
}
