package lotl

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"

	"github.com/cockroachdb/errors"
	"github.com/jonboulle/clockwork"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/internal/tltest"
	"github.com/georgepadayatti/gotsl/tsl"
	"github.com/georgepadayatti/gotsl/xmlsig"
)

const (
	testLOTLURL    = "https://lotl.test/eu-lotl.xml"
	testJournalURI = "https://eur-lex.europa.eu/legal-content/EN/TXT/?uri=OJ:C:2019:276:TEST"
	testPivot1URL  = "https://lotl.test/eu-lotl-pivot-100.xml"
	testPivot2URL  = "https://lotl.test/eu-lotl-pivot-200.xml"
)

// keyInfoValidator accepts any document carrying a ds:Signature and
// reports its KeyInfo certificate as signer.
var keyInfoValidator = xmlsig.FuncValidator(func(doc []byte) (bool, *x509.Certificate, error) {
	s := string(doc)
	start := strings.Index(s, "<ds:X509Certificate>")
	end := strings.Index(s, "</ds:X509Certificate>")
	if start < 0 || end < start {
		return false, nil, errors.New("document is not signed")
	}
	b64 := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s[start+len("<ds:X509Certificate>"):end])
	der, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return false, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return false, nil, err
	}
	return true, cert, nil
})

type fixture struct {
	t         *testing.T
	journal   Journal
	retriever *fetchers.MapRetriever
	clock     *clockwork.FakeClock

	journalSigner *x509.Certificate
	pivot1Signer  *x509.Certificate
	pivot2Signer  *x509.Certificate
	tlso          map[string]*x509.Certificate
	ca            map[string]*x509.Certificate

	mu      sync.Mutex
	fetched []string
}

// newFixture publishes pivot 100 (signed by the journal anchor), pivot 200
// (signed by the anchor of pivot 100) and a master signed by the anchor of
// pivot 200 that points to the given countries.
func newFixture(t *testing.T, countries ...string) *fixture {
	t.Helper()
	f := &fixture{
		t:             t,
		retriever:     fetchers.NewMapRetriever(nil),
		clock:         clockwork.NewFakeClockAt(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)),
		journalSigner: tltest.Cert(t, "OJ anchor", nil),
		pivot1Signer:  tltest.Cert(t, "LOTL signer 1", nil),
		pivot2Signer:  tltest.Cert(t, "LOTL signer 2", nil),
		tlso:          make(map[string]*x509.Certificate),
		ca:            make(map[string]*x509.Certificate),
	}
	f.journal = Journal{URI: testJournalURI, Certificates: []*x509.Certificate{f.journalSigner}}

	f.retriever.Set(testPivot1URL, tltest.ListOfLists{
		Sequence: 100,
		Signer:   f.journalSigner,
		Pointers: []tltest.Pointer{{Territory: "EU", Location: testLOTLURL, Certs: []*x509.Certificate{f.pivot1Signer}}},
	}.XML())
	f.retriever.Set(testPivot2URL, tltest.ListOfLists{
		Sequence: 200,
		Signer:   f.pivot1Signer,
		Pointers: []tltest.Pointer{{Territory: "EU", Location: testLOTLURL, Certs: []*x509.Certificate{f.pivot2Signer}}},
	}.XML())

	for _, c := range countries {
		f.tlso[c] = tltest.Cert(t, "TLSO "+c, nil)
		f.ca[c] = tltest.Cert(t, "QC CA "+c, func(tmpl *x509.Certificate) {
			tmpl.IsCA = true
			tmpl.BasicConstraintsValid = true
			tmpl.KeyUsage = x509.KeyUsageCertSign
		})
		f.publishCountry(c, f.tlso[c])
	}
	f.publishMaster(countries...)
	return f
}

func countryURL(territory string) string {
	return "https://tl.test/" + strings.ToLower(territory) + ".xml"
}

func (f *fixture) publishCountry(territory string, signer *x509.Certificate) {
	f.retriever.Set(countryURL(territory), tltest.CountryList{
		Territory: territory,
		Signer:    signer,
		Services: []tltest.Service{{
			Name:  "QC CA " + territory,
			Certs: []*x509.Certificate{f.ca[territory]},
			Infos: []tltest.Info{{
				Type:   tsl.ServiceTypeCAQC,
				Status: tsl.StatusGranted,
				Start:  time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
			}},
		}},
	}.XML())
}

func (f *fixture) publishMaster(countries ...string) {
	lotl := tltest.ListOfLists{
		Sequence: 300,
		Signer:   f.pivot2Signer,
		SchemeURIs: []string{
			testPivot2URL,
			testPivot1URL,
			testJournalURI,
			"https://lotl.test/eu-lotl-pivot-050.xml",
		},
		Pointers: []tltest.Pointer{{Territory: "EU", Location: testLOTLURL, Certs: []*x509.Certificate{f.pivot2Signer}}},
	}
	for _, c := range countries {
		lotl.Pointers = append(lotl.Pointers, tltest.Pointer{
			Territory: c,
			Location:  countryURL(c),
			Certs:     []*x509.Certificate{f.tlso[c]},
		})
	}
	f.retriever.Set(testLOTLURL, lotl.XML())
}

// recording wraps the retriever and logs fetched URLs in order.
func (f *fixture) recording() fetchers.Retriever {
	return fetchers.RetrieverFunc(func(ctx context.Context, url string) ([]byte, error) {
		f.mu.Lock()
		f.fetched = append(f.fetched, url)
		f.mu.Unlock()
		return f.retriever.Fetch(ctx, url)
	})
}

func (f *fixture) fetchedURLs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

func (f *fixture) options() Options {
	return Options{
		LOTLURL:   testLOTLURL,
		Journal:   f.journal,
		Staleness: 10 * time.Hour,
		Retriever: f.recording(),
		Validator: keyInfoValidator,
		Clock:     f.clock,
	}
}
