package lotl

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/report"
	"github.com/georgepadayatti/gotsl/tsl"
	"github.com/georgepadayatti/gotsl/xmlsig"
)

// Fetchers download and validate the list hierarchy.
type Fetchers struct {
	opts      Options
	retriever fetchers.Retriever
	validator xmlsig.Validator
	logger    *zap.SugaredLogger
}

// NewFetchers creates the hierarchy fetchers for opts.
func NewFetchers(opts Options) *Fetchers {
	opts = opts.withDefaults()
	return &Fetchers{
		opts:      opts,
		retriever: opts.Retriever,
		validator: opts.Validator,
		logger:    opts.Logger,
	}
}

// FetchMaster downloads and parses the list of trusted lists. Its
// signature is checked by FetchPivots. Any error is fatal for a refresh.
func (f *Fetchers) FetchMaster(ctx context.Context) (*MasterResult, error) {
	rep := report.New()
	data, err := f.retriever.Fetch(ctx, f.opts.LOTLURL)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch list of trusted lists %s", f.opts.LOTLURL)
	}
	parser := &tsl.Parser{Report: rep}
	scheme, err := parser.SchemeInformation(data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse list of trusted lists %s", f.opts.LOTLURL)
	}
	rep.Addf(report.ResultValid, CheckMaster, "fetched list of trusted lists %s (sequence %d)", f.opts.LOTLURL, scheme.SequenceNumber)
	return &MasterResult{URL: f.opts.LOTLURL, Payload: data, Scheme: scheme, Report: rep}, nil
}

// FetchJournal returns the configured Official Journal anchors.
func (f *Fetchers) FetchJournal() *JournalResult {
	rep := report.New()
	certs := append([]*x509.Certificate(nil), f.opts.Journal.Certificates...)
	if len(certs) == 0 {
		rep.Add(CheckJournal, "no Official Journal anchors configured", report.ResultInvalid)
	} else {
		rep.Addf(report.ResultValid, CheckJournal, "%d Official Journal anchors from %s", len(certs), f.opts.Journal.URI)
	}
	return &JournalResult{URI: f.opts.Journal.URI, Certificates: certs, Report: rep}
}

// FetchPivots validates the pivot chain from the journal anchors up to the
// master list. Pivots are walked oldest first; each pivot's anchors
// validate the next one and the last anchors validate the master.
func (f *Fetchers) FetchPivots(ctx context.Context, master *MasterResult, journal *JournalResult) (*PivotResult, error) {
	if master == nil || master.Scheme == nil {
		return nil, errors.New("no master list to validate")
	}
	if journal == nil || len(journal.Certificates) == 0 {
		return nil, errors.New("no Official Journal anchors to start the pivot chain")
	}
	uris, found := tsl.PivotURIs(master.Scheme.SchemeInformationURIs, journal.URI)
	if !found {
		return nil, errors.Newf("master list does not reference the Official Journal publication %s", journal.URI)
	}

	rep := report.New()
	result := &PivotResult{URIs: uris, Report: rep}
	anchors := journal.Certificates
	for i := len(uris) - 1; i >= 0; i-- {
		uri := uris[i]
		data, err := f.retriever.Fetch(ctx, uri)
		if err != nil {
			return nil, errors.Wrapf(err, "fetch pivot %s", uri)
		}
		if _, err := f.verify(data, anchors); err != nil {
			return nil, errors.Wrapf(err, "validate pivot %s", uri)
		}
		next, err := pivotAnchors(data, rep)
		if err != nil {
			return nil, errors.Wrapf(err, "read anchors of pivot %s", uri)
		}
		rep.Addf(report.ResultValid, CheckPivot, "pivot %s validated, %d anchors", uri, len(next))
		result.Pivots = append(result.Pivots, &PivotDocument{URL: uri, Payload: data, Anchors: next})
		anchors = next
	}

	signer, err := f.verify(master.Payload, anchors)
	if err != nil {
		return nil, errors.Wrapf(err, "validate list of trusted lists %s", master.URL)
	}
	rep.AddCertificate(signer, CheckSignature, "list of trusted lists signature valid", report.ResultValid)
	result.MasterAnchors = anchors
	return result, nil
}

// pivotAnchors returns the certificates of the pivot's pointer to its own
// territory, or every certificate of the document when there is none.
func pivotAnchors(data []byte, rep *report.Report) ([]*x509.Certificate, error) {
	parser := &tsl.Parser{Report: rep}
	scheme, err := parser.SchemeInformation(data)
	if err != nil {
		return nil, err
	}
	var anchors []*x509.Certificate
	for _, p := range scheme.Pointers {
		if p.Territory == scheme.Territory && p.IsTrustedList() {
			anchors = append(anchors, p.Certificates...)
		}
	}
	if len(anchors) == 0 {
		anchors, err = parser.AllCertificates(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
	}
	if len(anchors) == 0 {
		return nil, errors.New("pivot carries no certificates")
	}
	return anchors, nil
}

// verify checks the signature of doc and that it was made with one of the
// anchors.
func (f *Fetchers) verify(doc []byte, anchors []*x509.Certificate) (*x509.Certificate, error) {
	valid, signer, err := f.validator.Validate(doc)
	if err != nil {
		return nil, err
	}
	if !valid || signer == nil {
		return nil, errors.New("signature is not valid")
	}
	for _, a := range anchors {
		if a != nil && bytes.Equal(a.Raw, signer.Raw) {
			return signer, nil
		}
	}
	return nil, errors.Newf("signed by untrusted certificate %q", signer.Subject.String())
}

// FetchCountries fetches every national list referenced by the master. One
// country failing produces an INVALID result for that country only.
func (f *Fetchers) FetchCountries(ctx context.Context, master *MasterResult) map[string]*CountryResult {
	var pointers []*tsl.Pointer
	if master != nil && master.Scheme != nil {
		for _, p := range master.Scheme.TrustedListPointers() {
			if f.opts.acceptsCountry(p.Territory) {
				pointers = append(pointers, p)
			}
		}
	}
	results := make(map[string]*CountryResult, len(pointers))
	if len(pointers) == 0 {
		return results
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(min(runtime.GOMAXPROCS(0), len(pointers)))
	for _, p := range pointers {
		g.Go(func() error {
			res := f.fetchCountrySafe(ctx, p)
			mu.Lock()
			defer mu.Unlock()
			if prev, ok := results[res.Territory]; ok && !prev.Failed() {
				res.Report.Addf(report.ResultInfo, CheckCountry, "duplicate pointer for %s ignored: %s", res.Territory, res.Location)
				prev.Report.Merge(res.Report)
				return nil
			}
			results[res.Territory] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (f *Fetchers) fetchCountrySafe(ctx context.Context, p *tsl.Pointer) (res *CountryResult) {
	territory := strings.ToUpper(p.Territory)
	defer func() {
		if r := recover(); r != nil {
			res = f.failedCountry(p, errors.Newf("panic: %v", r))
		}
	}()
	res, err := f.fetchCountry(ctx, p)
	if err != nil {
		return f.failedCountry(p, err)
	}
	f.logger.Debugw("country list fetched", "country", territory, "url", p.Location, "services", len(res.Contexts))
	return res
}

func (f *Fetchers) failedCountry(p *tsl.Pointer, err error) *CountryResult {
	territory := strings.ToUpper(p.Territory)
	f.logger.Warnw("country list failed", "country", territory, "url", p.Location, "error", err)
	rep := report.New()
	rep.AddError(CheckCountry, fmt.Sprintf("trusted list of %s from %s", territory, p.Location), err, report.ResultInvalid)
	return &CountryResult{
		Territory:    territory,
		Location:     p.Location,
		ServiceTypes: f.opts.ServiceTypes,
		Report:       rep,
	}
}

func (f *Fetchers) fetchCountry(ctx context.Context, p *tsl.Pointer) (*CountryResult, error) {
	territory := strings.ToUpper(p.Territory)
	data, err := f.retriever.Fetch(ctx, p.Location)
	if err != nil {
		return nil, errors.Wrap(err, "fetch")
	}
	signer, err := f.verify(data, p.Certificates)
	if err != nil {
		return nil, errors.Wrap(err, "validate signature")
	}
	res, err := parseCountry(territory, p.Location, data, f.opts.ServiceTypes)
	if err != nil {
		return nil, err
	}
	res.Report.AddCertificate(signer, CheckSignature, "trusted list of "+territory+" signature valid", report.ResultValid)
	return res, nil
}

// parseCountry builds a CountryResult from a verified payload.
func parseCountry(territory, location string, data []byte, serviceTypes []string) (*CountryResult, error) {
	rep := report.New()
	parser := &tsl.Parser{AllowedServiceTypes: serviceTypes, Report: rep}
	scheme, err := parser.SchemeInformation(data)
	if err != nil {
		return nil, errors.Wrap(err, "parse scheme information")
	}
	if !strings.EqualFold(scheme.Territory, territory) {
		return nil, errors.Newf("list declares territory %q, expected %q", scheme.Territory, territory)
	}
	contexts, err := parser.CountryContexts(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "parse services")
	}
	rep.Addf(report.ResultValid, CheckCountry, "trusted list of %s: %d services", territory, len(contexts))
	return &CountryResult{
		Territory:    territory,
		Location:     location,
		Payload:      data,
		Contexts:     contexts,
		ServiceTypes: serviceTypes,
		Report:       rep,
	}, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
