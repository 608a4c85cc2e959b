package lotl

import (
	"crypto/x509"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/lotl/store"
	"github.com/georgepadayatti/gotsl/xmlsig"
)

// Defaults.
const (
	DefaultLOTLURL    = "https://ec.europa.eu/tools/lotl/eu-lotl.xml"
	DefaultJournalURI = "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=uriserv:OJ.C_.2019.276.01.0001.01.ENG"
	DefaultStaleness  = 24 * time.Hour
)

// Journal is the set of anchors published in the Official Journal of the
// European Union for bootstrapping the pivot chain.
type Journal struct {
	URI          string
	Certificates []*x509.Certificate
}

// Options configure a Service.
type Options struct {
	LOTLURL string
	Journal Journal

	// Staleness is the age at which cache entries become unusable.
	Staleness time.Duration
	// RefreshInterval maps the staleness to the refresh period.
	// Defaults to DefaultRefreshInterval.
	RefreshInterval func(staleness time.Duration) time.Duration

	// Countries restricts fetching to these territories when non-empty.
	Countries []string
	// ExcludedCountries are never fetched.
	ExcludedCountries []string
	// ServiceTypes restricts parsed services. Empty accepts every type.
	ServiceTypes []string

	FailureStrategy FailureStrategy
	Retriever       fetchers.Retriever
	Validator       xmlsig.Validator
	Store           store.SnapshotStore

	Clock         clockwork.Clock
	Logger        *zap.SugaredLogger
	MeterProvider metric.MeterProvider
}

// DefaultRefreshInterval refreshes at 70% of the staleness threshold.
func DefaultRefreshInterval(staleness time.Duration) time.Duration {
	return staleness * 7 / 10
}

func (o Options) withDefaults() Options {
	if o.LOTLURL == "" {
		o.LOTLURL = DefaultLOTLURL
	}
	if o.Journal.URI == "" {
		o.Journal.URI = DefaultJournalURI
	}
	if o.Staleness <= 0 {
		o.Staleness = DefaultStaleness
	}
	if o.RefreshInterval == nil {
		o.RefreshInterval = DefaultRefreshInterval
	}
	if o.FailureStrategy == nil {
		o.FailureStrategy = IgnoreCountryFailures()
	}
	if o.Retriever == nil {
		o.Retriever = fetchers.NewHTTPRetriever(fetchers.WithLogger(o.logger()))
	}
	if o.Validator == nil {
		o.Validator = &xmlsig.SignedXMLValidator{}
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	o.Logger = o.logger()
	if o.MeterProvider == nil {
		o.MeterProvider = otel.GetMeterProvider()
	}
	o.Countries = normalizeTerritories(o.Countries)
	o.ExcludedCountries = normalizeTerritories(o.ExcludedCountries)
	return o
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

func (o Options) validate() error {
	if o.RefreshInterval(o.Staleness) <= 0 {
		return errors.Newf("refresh interval for staleness %s must be positive", o.Staleness)
	}
	if o.RefreshInterval(o.Staleness) >= o.Staleness {
		return errors.Newf("refresh interval must be shorter than staleness %s", o.Staleness)
	}
	return nil
}

// acceptsCountry applies the allow and deny lists.
func (o Options) acceptsCountry(territory string) bool {
	territory = strings.ToUpper(territory)
	for _, c := range o.ExcludedCountries {
		if c == territory {
			return false
		}
	}
	if len(o.Countries) == 0 {
		return true
	}
	for _, c := range o.Countries {
		if c == territory {
			return true
		}
	}
	return false
}

func normalizeTerritories(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, c := range in {
		if c = strings.ToUpper(strings.TrimSpace(c)); c != "" {
			out = append(out, c)
		}
	}
	return out
}
