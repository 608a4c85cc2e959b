// Package qualified determines the eIDAS qualification of signing
// certificates from the CA/QC services of the national trusted lists.
package qualified

import (
	"crypto/x509"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/georgepadayatti/gotsl/report"
	"github.com/georgepadayatti/gotsl/trust"
	"github.com/georgepadayatti/gotsl/tsl"
)

// CheckQualification is the report check of qualification decisions.
const CheckQualification = "qualified.conclusion"

// EIDASCutoff is the instant from which eIDAS vocabulary and statuses apply.
var EIDASCutoff = time.Date(2016, 5, 30, 22, 0, 0, 0, time.UTC)

var (
	preEIDASStatuses = map[string]bool{
		tsl.StatusAccredited:             true,
		tsl.StatusUnderSupervision:       true,
		tsl.StatusSupervisionInCessation: true,
	}
	eidasStatuses = map[string]bool{
		tsl.StatusGranted: true,
	}
)

// Entries lists the trusted-list services naming a certificate.
// *trust.Store implements it.
type Entries interface {
	Entries(cert *x509.Certificate) ([]trust.Entry, error)
}

// Result is the conclusion for one signing certificate.
type Result struct {
	Certificate *x509.Certificate
	Conclusion  Conclusion
	Report      *report.Report
}

// Engine computes qualification conclusions and keeps them until taken.
type Engine struct {
	entries Entries
	logger  *zap.SugaredLogger

	mu      sync.Mutex
	results []Result
	index   map[string]int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger of the engine.
func WithLogger(logger *zap.SugaredLogger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewEngine creates an Engine over the trusted-list entries.
func NewEngine(entries Entries, opts ...Option) *Engine {
	e := &Engine{
		entries: entries,
		logger:  zap.NewNop().Sugar(),
		index:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Check computes the qualification of chain[0] at date and stores it for
// TakeResults. chain holds the signing certificate followed by its
// issuers. Contexts other than the signing-certificate chain are not
// qualified and yield NotApplicable without storing anything. The error
// is the trust cache error.
func (e *Engine) Check(rep *report.Report, ctx *trust.Context, chain []*x509.Certificate, date time.Time) (Conclusion, error) {
	if len(chain) == 0 || chain[0] == nil {
		return NotApplicable, errors.New("empty certificate chain")
	}
	leaf := chain[0]
	local := report.New()
	defer func() {
		if rep != nil {
			rep.Merge(local)
		}
	}()

	if !ctx.IsSignerChain() {
		local.Addf(report.ResultInfo, CheckQualification, "qualification is not evaluated in context %s", ctx)
		return NotApplicable, nil
	}

	entries, err := e.serviceEntries(chain)
	if err != nil {
		return NotApplicable, err
	}

	stmts, err := ParseStatements(leaf)
	if err != nil {
		local.AddError(CheckQualification, "cannot read QC statements", err, report.ResultInfo)
		stmts = nil
	}

	conclusion := NotApplicable
	if len(entries) > 0 {
		conclusion = NotCatching
	}
	var found []Conclusion
	for _, entry := range entries {
		name := entry.Territory + "/" + entry.Service.ServiceName
		if entry.Service.ServiceType != tsl.ServiceTypeCAQC {
			local.Addf(report.ResultInfo, CheckQualification, "%s: service type %s does not qualify certificates",
				name, tsl.ShortName(entry.Service.ServiceType))
			continue
		}
		c := checkService(local, leaf, stmts, entry.Service, date)
		local.Addf(resultOf(c), CheckQualification, "%s: %s", name, c)
		if c != NotCatching {
			found = append(found, c)
		}
	}
	if len(found) > 0 {
		conclusion = found[0]
		for _, c := range found[1:] {
			if c != conclusion {
				local.Addf(report.ResultInfo, CheckQualification, "trusted-list services disagree: %s and %s", conclusion, c)
				conclusion = Incoherent
				break
			}
		}
	}

	local.AddCertificate(leaf, CheckQualification, "qualification "+conclusion.String(), resultOf(conclusion))
	e.store(Result{Certificate: leaf, Conclusion: conclusion, Report: local})
	e.logger.Debugw("certificate qualification", "subject", leaf.Subject.String(), "conclusion", conclusion.String())
	return conclusion, nil
}

// serviceEntries collects the services naming any certificate of chain.
func (e *Engine) serviceEntries(chain []*x509.Certificate) ([]trust.Entry, error) {
	var out []trust.Entry
	seen := make(map[*tsl.CountryServiceContext]bool)
	for _, cert := range chain {
		if cert == nil {
			continue
		}
		entries, err := e.entries.Entries(cert)
		if err != nil {
			return nil, err
		}
		for _, entry := range entries {
			if !seen[entry.Service] {
				seen[entry.Service] = true
				out = append(out, entry)
			}
		}
	}
	return out, nil
}

func (e *Engine) store(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := string(r.Certificate.Raw)
	if i, ok := e.index[key]; ok {
		e.results[i] = r
		return
	}
	e.index[key] = len(e.results)
	e.results = append(e.results, r)
}

// TakeResults returns the stored conclusions in check order and forgets
// them.
func (e *Engine) TakeResults() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := e.results
	e.results = nil
	e.index = make(map[string]int)
	return out
}

func resultOf(c Conclusion) report.Result {
	if c.IsQualified() {
		return report.ResultValid
	}
	return report.ResultInfo
}

// evaluation is the qualification of a certificate by one service as of
// one date.
type evaluation struct {
	catching  bool
	qualified bool
	qscd      bool
	typ       CertType
}

// checkService evaluates a CA/QC service at the validation date and at the
// issuance of the certificate and combines both.
func checkService(rep *report.Report, cert *x509.Certificate, stmts *Statements, svc *tsl.CountryServiceContext, date time.Time) Conclusion {
	atDate := evaluateAt(rep, cert, stmts, svc, date)
	atIssuance := evaluateAt(rep, cert, stmts, svc, cert.NotBefore)
	if !atDate.catching && !atIssuance.catching {
		return NotCatching
	}

	qualified := atDate.catching && atIssuance.catching && atDate.qualified && atIssuance.qualified
	if atDate.qualified != atIssuance.qualified || atDate.catching != atIssuance.catching {
		rep.Add(CheckQualification, "qualification at issuance and at validation time differ", report.ResultInfo)
	}

	ref := atDate
	if !ref.catching {
		ref = atIssuance
	}
	typ := ref.typ
	if atDate.catching && atIssuance.catching && atDate.typ != atIssuance.typ {
		rep.Addf(report.ResultInfo, CheckQualification, "certificate type at issuance (%s) and at validation time (%s) differ",
			atIssuance.typ, atDate.typ)
		typ = TypeUndefined
	}
	return conclude(qualified, ref.qscd, typ)
}

// evaluateAt applies the service state in force at date.
func evaluateAt(rep *report.Report, cert *x509.Certificate, stmts *Statements, svc *tsl.CountryServiceContext, date time.Time) evaluation {
	stamp := date.UTC().Format(time.RFC3339)
	info := svc.InfoAt(date)
	if info == nil {
		rep.Addf(report.ResultInfo, CheckQualification, "service %s is not defined at %s", svc.ServiceName, stamp)
		return evaluation{}
	}
	preEIDAS := date.Before(EIDASCutoff)

	matched := make(map[string]bool)
	for _, q := range info.Qualifiers {
		if q.Matches(cert) {
			for _, uri := range q.Qualifiers {
				matched[uri] = true
			}
		}
	}
	o := readOverrules(matched, preEIDAS)

	var compliance, sscd bool
	typ := TypeUndefined
	if stmts != nil {
		compliance, sscd, typ = stmts.Compliance, stmts.SSCD, stmts.Type()
	}
	if preEIDAS {
		switch {
		case hasPolicy(cert, PolicyQCPPublicWithSSCD):
			compliance, sscd = true, true
		case hasPolicy(cert, PolicyQCPPublic):
			compliance = true
		}
		if typ == TypeUndefined && compliance {
			typ = TypeESig
		}
	}

	ev := evaluation{
		catching:  true,
		qualified: o.qualified.apply(compliance),
		qscd:      o.device.apply(sscd),
		typ:       typ,
	}
	if o.typ != TypeUndefined {
		ev.typ = o.typ
	}
	if o.deviceConflict {
		rep.Addf(report.ResultInfo, CheckQualification, "contradicting device qualifiers at %s", stamp)
		ev.qualified, ev.qscd = false, false
	}
	if o.qualifiedConflict {
		rep.Addf(report.ResultInfo, CheckQualification, "contradicting qualification qualifiers at %s", stamp)
		ev.qualified = false
	}
	if o.typeConflict {
		rep.Addf(report.ResultInfo, CheckQualification, "contradicting certificate type qualifiers at %s", stamp)
	}

	if ev.typ == TypeWSA {
		rep.Addf(report.ResultInfo, CheckQualification, "certificate is for website authentication at %s", stamp)
		return evaluation{typ: TypeWSA}
	}
	// A granted CA/QC without ForeSignatures, ForeSeals or ForWebSiteAuthentication
	// extensions still qualifies an ESig leaf: no extension means no narrowing.
	if !preEIDAS && !coversType(info, ev.typ) {
		rep.Addf(report.ResultInfo, CheckQualification, "service %s does not cover %s certificates at %s", svc.ServiceName, ev.typ, stamp)
		return evaluation{typ: ev.typ}
	}

	accepted := eidasStatuses
	if preEIDAS {
		accepted = preEIDASStatuses
	}
	if !accepted[info.Status] {
		rep.Addf(report.ResultInfo, CheckQualification, "service status %s does not qualify at %s", tsl.ShortName(info.Status), stamp)
		ev.qualified = false
	}
	return ev
}

// coversType checks the additional service information of an eIDAS
// service. A service without scope extensions covers every type.
func coversType(info *tsl.ChronologicalInfo, typ CertType) bool {
	scoped := info.HasServiceExtension(tsl.ForeSignaturesURI) ||
		info.HasServiceExtension(tsl.ForeSealsURI) ||
		info.HasServiceExtension(tsl.ForWebSiteAuthenticationURI)
	if !scoped {
		return true
	}
	switch typ {
	case TypeESig:
		return info.HasServiceExtension(tsl.ForeSignaturesURI)
	case TypeESeal:
		return info.HasServiceExtension(tsl.ForeSealsURI)
	default:
		return true
	}
}
