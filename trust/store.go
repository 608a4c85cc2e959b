// Package trust decides whether a certificate is a trust anchor for a given
// validation context according to the cached national trusted lists.
package trust

import (
	"bytes"
	"crypto/x509"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/georgepadayatti/gotsl/lotl"
	"github.com/georgepadayatti/gotsl/report"
	"github.com/georgepadayatti/gotsl/tsl"
)

// CheckTrust is the report check of trust decisions.
const CheckTrust = "trust.store"

// Source provides the national trusted lists. lotl.Cache implements it.
type Source interface {
	Countries() (map[string]*lotl.CountryResult, error)
}

// Entry is a service of a national list listing a certificate.
type Entry struct {
	Territory string
	Service   *tsl.CountryServiceContext
}

// Store evaluates certificates against the trusted lists of a Source.
type Store struct {
	source Source
	logger *zap.SugaredLogger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger of the store.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore creates a Store reading from source.
func NewStore(source Source, opts ...Option) *Store {
	s := &Store{source: source, logger: zap.NewNop().Sugar()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Entries returns every service listing cert, ordered by territory. The
// error is the cache error, typically a staleness failure.
func (s *Store) Entries(cert *x509.Certificate) ([]Entry, error) {
	countries, err := s.source.Countries()
	if err != nil {
		return nil, err
	}
	var entries []Entry
	for _, territory := range sortedTerritories(countries) {
		for _, svc := range countries[territory].Contexts {
			if svc.Contains(cert) {
				entries = append(entries, Entry{Territory: territory, Service: svc})
			}
		}
	}
	return entries, nil
}

// IsTrusted reports whether cert is trusted for ctx at date. Every service
// listing cert is examined until one trusts it; the reasons for rejecting
// the others are added to rep as INFO items. An error is returned only
// when the trusted lists cannot be read. A nil rep discards the reasons.
func (s *Store) IsTrusted(rep *report.Report, ctx *Context, cert *x509.Certificate, date time.Time) (bool, error) {
	if rep == nil {
		rep = report.New()
	}
	entries, err := s.Entries(cert)
	if err != nil {
		return false, err
	}
	if len(entries) == 0 {
		rep.AddCertificate(cert, CheckTrust, "certificate is not listed in any trusted list", report.ResultInfo)
		return false, nil
	}
	for _, e := range entries {
		if s.evaluate(rep, ctx, cert, date, e) {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) evaluate(rep *report.Report, ctx *Context, cert *x509.Certificate, date time.Time, e Entry) bool {
	svc := e.Service
	name := e.Territory + "/" + svc.ServiceName
	info := svc.InfoAt(date)
	if info == nil {
		rep.Addf(report.ResultInfo, CheckTrust, "service %s is not yet valid at %s", name, date.UTC().Format(time.RFC3339))
		return false
	}
	if !IsValidStatus(info.Status) {
		rep.Addf(report.ResultInfo, CheckTrust, "service %s is %s since %s", name,
			tsl.ShortName(info.Status), info.Start.UTC().Format(time.RFC3339))
		return false
	}
	if outOfScope(info) {
		rep.Addf(report.ResultInfo, CheckTrust, "service %s is scoped to website authentication only", name)
		return false
	}
	scope, ok := serviceScopes[svc.ServiceType]
	if !ok {
		rep.Addf(report.ResultInfo, CheckTrust, "service type %s of %s is not recognized", svc.ServiceType, name)
		return false
	}
	if !ctx.Contains(scope...) {
		rep.Addf(report.ResultInfo, CheckTrust, "service %s (%s) is trusted for a different context than %s",
			name, tsl.ShortName(svc.ServiceType), ctx)
		return false
	}
	rep.AddCertificate(cert, CheckTrust, "trusted by "+name+" ("+tsl.ShortName(info.Status)+")", report.ResultValid)
	s.logger.Debugw("certificate trusted", "country", e.Territory, "service", svc.ServiceName, "context", ctx.String())
	return true
}

// PotentialIssuers returns the trusted certificates for ctx at date whose
// subject is the issuer of cert.
func (s *Store) PotentialIssuers(ctx *Context, cert *x509.Certificate, date time.Time) ([]*x509.Certificate, error) {
	countries, err := s.source.Countries()
	if err != nil {
		return nil, err
	}
	var out []*x509.Certificate
	seen := make(map[string]bool)
	for _, territory := range sortedTerritories(countries) {
		for _, svc := range countries[territory].Contexts {
			for _, candidate := range svc.Certs {
				key := string(candidate.Raw)
				if seen[key] || !bytes.Equal(candidate.RawSubject, cert.RawIssuer) {
					continue
				}
				if s.evaluate(report.New(), ctx, candidate, date, Entry{Territory: territory, Service: svc}) {
					seen[key] = true
					out = append(out, candidate)
				}
			}
		}
	}
	return out, nil
}

func sortedTerritories(countries map[string]*lotl.CountryResult) []string {
	out := make([]string, 0, len(countries))
	for t := range countries {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
