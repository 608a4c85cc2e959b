package lotl

import (
	"crypto/x509"

	"github.com/georgepadayatti/gotsl/report"
	"github.com/georgepadayatti/gotsl/tsl"
)

// Report checks used by the list-hierarchy fetchers.
const (
	CheckMaster    = "lotl.master"
	CheckJournal   = "lotl.journal"
	CheckPivot     = "lotl.pivot"
	CheckCountry   = "lotl.country"
	CheckSignature = "lotl.signature"
	CheckRefresh   = "lotl.refresh"
)

// MasterResult is the downloaded list of trusted lists.
type MasterResult struct {
	URL     string
	Payload []byte
	Scheme  *tsl.SchemeInformation
	Report  *report.Report
}

// JournalResult holds the anchors published in the Official Journal.
type JournalResult struct {
	URI          string
	Certificates []*x509.Certificate
	Report       *report.Report
}

// PivotDocument is one validated pivot.
type PivotDocument struct {
	URL     string
	Payload []byte
	// Anchors are the certificates this pivot vouches for.
	Anchors []*x509.Certificate
}

// PivotResult is the validated pivot chain. Pivots are ordered oldest first;
// MasterAnchors validated the master list.
type PivotResult struct {
	URIs          []string
	Pivots        []*PivotDocument
	MasterAnchors []*x509.Certificate
	Report        *report.Report
}

// CountryResult is the outcome of fetching one national list.
type CountryResult struct {
	Territory    string
	Location     string
	Payload      []byte
	Contexts     []*tsl.CountryServiceContext
	ServiceTypes []string
	Report       *report.Report
}

// Failed reports whether the country could not be fetched or validated.
func (c *CountryResult) Failed() bool {
	return c.Report != nil && c.Report.Result() == report.ResultInvalid
}

// ServiceContexts returns the contexts as the generic interface.
func (c *CountryResult) ServiceContexts() []tsl.ServiceContext {
	out := make([]tsl.ServiceContext, 0, len(c.Contexts))
	for _, ctx := range c.Contexts {
		out = append(out, ctx)
	}
	return out
}

// CountryKey is the cache key of a territory.
func CountryKey(territory string) string {
	return keyCountryPrefix + territory
}

// Cache keys.
const (
	KeyMaster        = "master"
	KeyJournal       = "journal"
	KeyPivots        = "pivots"
	keyCountryPrefix = "country:"
)
