package lotl

import (
	"bytes"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/georgepadayatti/gotsl/report"
	"github.com/georgepadayatti/gotsl/tsl"
)

// SnapshotVersion is the only snapshot format understood by Load.
const SnapshotVersion = 1

// ErrCorruptSnapshot matches every *CorruptSnapshotError.
var ErrCorruptSnapshot = errors.New("corrupt trust cache snapshot")

// CorruptSnapshotError rejects a snapshot as a whole.
type CorruptSnapshotError struct {
	Reason string
	Err    error
}

// Error implements error.
func (e *CorruptSnapshotError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt trust cache snapshot: %s: %v", e.Reason, e.Err)
	}
	return "corrupt trust cache snapshot: " + e.Reason
}

// Unwrap returns the decoding error.
func (e *CorruptSnapshotError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrCorruptSnapshot) hold.
func (e *CorruptSnapshotError) Is(target error) bool { return target == ErrCorruptSnapshot }

func corrupt(format string, args ...interface{}) error {
	return &CorruptSnapshotError{Reason: fmt.Sprintf(format, args...)}
}

// Snapshot is the persisted state of a cache.
type Snapshot struct {
	Version    int
	Master     *MasterResult
	Journal    *JournalResult
	Pivots     *PivotResult
	Countries  map[string]*CountryResult
	Timestamps map[string]time.Time
}

func (s *Snapshot) check() error {
	switch {
	case s == nil:
		return corrupt("no snapshot")
	case s.Version != SnapshotVersion:
		return corrupt("unsupported version %d", s.Version)
	case s.Master == nil:
		return corrupt("missing master result")
	case s.Journal == nil:
		return corrupt("missing journal result")
	case s.Pivots == nil:
		return corrupt("missing pivot result")
	case s.Countries == nil:
		return corrupt("missing country results")
	case s.Timestamps == nil:
		return corrupt("missing timestamps")
	}
	for _, key := range []string{KeyMaster, KeyJournal, KeyPivots} {
		if _, ok := s.Timestamps[key]; !ok {
			return corrupt("missing timestamp for %q", key)
		}
	}
	for territory, res := range s.Countries {
		if res == nil {
			return corrupt("null result for country %s", territory)
		}
		if _, ok := s.Timestamps[CountryKey(strings.ToUpper(territory))]; !ok {
			return corrupt("missing timestamp for country %s", territory)
		}
	}
	return nil
}

type snapshotJSON struct {
	Version        int                     `json:"version"`
	MasterResult   *masterJSON             `json:"masterResult"`
	JournalResult  *journalJSON            `json:"journalResult"`
	PivotResult    *pivotJSON              `json:"pivotResult"`
	CountryResults map[string]*countryJSON `json:"countryResults"`
	Timestamps     map[string]int64        `json:"timestamps"`
}

type masterJSON struct {
	URL     string         `json:"url"`
	Payload []byte         `json:"payload"`
	Report  *report.Report `json:"report,omitempty"`
}

type journalJSON struct {
	URI          string         `json:"uri"`
	Certificates [][]byte       `json:"certificates"`
	Report       *report.Report `json:"report,omitempty"`
}

type pivotDocumentJSON struct {
	URL     string `json:"url"`
	Payload []byte `json:"payload"`
}

type pivotJSON struct {
	URIs          []string             `json:"uris"`
	Pivots        []*pivotDocumentJSON `json:"pivots"`
	MasterAnchors [][]byte             `json:"masterAnchors"`
	Report        *report.Report       `json:"report,omitempty"`
}

type countryJSON struct {
	Territory    string         `json:"territory"`
	Location     string         `json:"location"`
	Payload      []byte         `json:"payload,omitempty"`
	ServiceTypes []string       `json:"serviceTypes,omitempty"`
	Report       *report.Report `json:"report,omitempty"`
}

// EncodeSnapshot serializes s as versioned JSON.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	out := snapshotJSON{
		Version: s.Version,
		MasterResult: &masterJSON{
			URL:     s.Master.URL,
			Payload: s.Master.Payload,
			Report:  s.Master.Report,
		},
		JournalResult: &journalJSON{
			URI:          s.Journal.URI,
			Certificates: derList(s.Journal.Certificates),
			Report:       s.Journal.Report,
		},
		PivotResult: &pivotJSON{
			URIs:          s.Pivots.URIs,
			MasterAnchors: derList(s.Pivots.MasterAnchors),
			Report:        s.Pivots.Report,
		},
		CountryResults: make(map[string]*countryJSON, len(s.Countries)),
		Timestamps:     make(map[string]int64, len(s.Timestamps)),
	}
	for _, p := range s.Pivots.Pivots {
		out.PivotResult.Pivots = append(out.PivotResult.Pivots, &pivotDocumentJSON{URL: p.URL, Payload: p.Payload})
	}
	for territory, c := range s.Countries {
		out.CountryResults[territory] = &countryJSON{
			Territory:    c.Territory,
			Location:     c.Location,
			Payload:      c.Payload,
			ServiceTypes: c.ServiceTypes,
			Report:       c.Report,
		}
	}
	for key, ts := range s.Timestamps {
		out.Timestamps[key] = ts.UnixMilli()
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, errors.Wrap(err, "encode snapshot")
	}
	return data, nil
}

// DecodeSnapshot parses a snapshot and rebuilds the parsed views of its
// payloads. Any inconsistency rejects the whole snapshot.
func DecodeSnapshot(data []byte) (*Snapshot, error) {
	var in snapshotJSON
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&in); err != nil {
		return nil, &CorruptSnapshotError{Reason: "invalid JSON", Err: err}
	}
	if in.Version != SnapshotVersion {
		return nil, corrupt("unsupported version %d", in.Version)
	}
	if in.MasterResult == nil || in.JournalResult == nil || in.PivotResult == nil || in.CountryResults == nil || in.Timestamps == nil {
		return nil, corrupt("missing required section")
	}

	s := &Snapshot{
		Version:    in.Version,
		Countries:  make(map[string]*CountryResult, len(in.CountryResults)),
		Timestamps: make(map[string]time.Time, len(in.Timestamps)),
	}
	for key, ms := range in.Timestamps {
		s.Timestamps[key] = time.UnixMilli(ms)
	}

	scheme, err := tsl.ParseSchemeInformation(in.MasterResult.Payload)
	if err != nil {
		return nil, &CorruptSnapshotError{Reason: "master payload", Err: err}
	}
	s.Master = &MasterResult{
		URL:     in.MasterResult.URL,
		Payload: in.MasterResult.Payload,
		Scheme:  scheme,
		Report:  orNewReport(in.MasterResult.Report),
	}

	journalCerts, err := parseDERList(in.JournalResult.Certificates)
	if err != nil {
		return nil, &CorruptSnapshotError{Reason: "journal certificates", Err: err}
	}
	s.Journal = &JournalResult{URI: in.JournalResult.URI, Certificates: journalCerts, Report: orNewReport(in.JournalResult.Report)}

	masterAnchors, err := parseDERList(in.PivotResult.MasterAnchors)
	if err != nil {
		return nil, &CorruptSnapshotError{Reason: "master anchors", Err: err}
	}
	s.Pivots = &PivotResult{URIs: in.PivotResult.URIs, MasterAnchors: masterAnchors, Report: orNewReport(in.PivotResult.Report)}
	for _, p := range in.PivotResult.Pivots {
		if p == nil {
			return nil, corrupt("null pivot")
		}
		anchors, err := pivotAnchors(p.Payload, nil)
		if err != nil {
			return nil, &CorruptSnapshotError{Reason: "pivot " + p.URL, Err: err}
		}
		s.Pivots.Pivots = append(s.Pivots.Pivots, &PivotDocument{URL: p.URL, Payload: p.Payload, Anchors: anchors})
	}

	for territory, c := range in.CountryResults {
		if c == nil {
			return nil, corrupt("null result for country %s", territory)
		}
		res := &CountryResult{
			Territory:    c.Territory,
			Location:     c.Location,
			Payload:      c.Payload,
			ServiceTypes: c.ServiceTypes,
			Report:       orNewReport(c.Report),
		}
		if len(c.Payload) > 0 {
			contexts, err := tsl.ParseCountryContexts(bytes.NewReader(c.Payload), c.ServiceTypes)
			if err != nil {
				return nil, &CorruptSnapshotError{Reason: "country " + territory, Err: err}
			}
			res.Contexts = contexts
		}
		s.Countries[strings.ToUpper(territory)] = res
	}

	if err := s.check(); err != nil {
		return nil, err
	}
	return s, nil
}

func orNewReport(r *report.Report) *report.Report {
	if r == nil {
		return report.New()
	}
	return r
}

func derList(certs []*x509.Certificate) [][]byte {
	out := make([][]byte, 0, len(certs))
	for _, c := range certs {
		out = append(out, c.Raw)
	}
	return out
}

func parseDERList(ders [][]byte) ([]*x509.Certificate, error) {
	out := make([]*x509.Certificate, 0, len(ders))
	for _, der := range ders {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, err
		}
		out = append(out, cert)
	}
	return out, nil
}
