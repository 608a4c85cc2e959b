package qualified

import "github.com/cockroachdb/errors"

// Conclusion is the qualification of a signing certificate.
type Conclusion int

const (
	NotApplicable Conclusion = iota
	ESigWithQCAndQSCD
	ESigWithQC
	ESealWithQCAndQSCD
	ESealWithQC
	NotQualifiedESig
	NotQualifiedESeal
	NotQualified
	Incoherent
	NotCatching
)

var conclusionNames = map[Conclusion]string{
	NotApplicable:      "NOT_APPLICABLE",
	ESigWithQCAndQSCD:  "ESIG_WITH_QC_AND_QSCD",
	ESigWithQC:         "ESIG_WITH_QC",
	ESealWithQCAndQSCD: "ESEAL_WITH_QC_AND_QSCD",
	ESealWithQC:        "ESEAL_WITH_QC",
	NotQualifiedESig:   "NOT_QUALIFIED_ESIG",
	NotQualifiedESeal:  "NOT_QUALIFIED_ESEAL",
	NotQualified:       "NOT_QUALIFIED",
	Incoherent:         "INCOHERENT",
	NotCatching:        "NOT_CATCHING",
}

// String returns the report name, such as ESIG_WITH_QC_AND_QSCD.
func (c Conclusion) String() string {
	if name, ok := conclusionNames[c]; ok {
		return name
	}
	return "UNKNOWN"
}

// MarshalText implements encoding.TextMarshaler.
func (c Conclusion) MarshalText() ([]byte, error) {
	name, ok := conclusionNames[c]
	if !ok {
		return nil, errors.Newf("unknown conclusion %d", int(c))
	}
	return []byte(name), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Conclusion) UnmarshalText(text []byte) error {
	for k, v := range conclusionNames {
		if v == string(text) {
			*c = k
			return nil
		}
	}
	return errors.Newf("unknown conclusion %q", text)
}

// IsQualified reports whether the conclusion is one of the qualified ones.
func (c Conclusion) IsQualified() bool {
	switch c {
	case ESigWithQCAndQSCD, ESigWithQC, ESealWithQCAndQSCD, ESealWithQC:
		return true
	}
	return false
}

// CertType is the kind of qualified certificate.
type CertType int

const (
	TypeUndefined CertType = iota
	TypeESig
	TypeESeal
	TypeWSA
	TypeIncoherent
)

// String returns the type name used in reports.
func (t CertType) String() string {
	switch t {
	case TypeESig:
		return "esig"
	case TypeESeal:
		return "eseal"
	case TypeWSA:
		return "wsa"
	case TypeIncoherent:
		return "incoherent"
	default:
		return "undefined"
	}
}

// conclude combines the final qualification, device and type.
func conclude(qualified, qscd bool, typ CertType) Conclusion {
	switch typ {
	case TypeIncoherent:
		return Incoherent
	case TypeESig:
		switch {
		case !qualified:
			return NotQualifiedESig
		case qscd:
			return ESigWithQCAndQSCD
		default:
			return ESigWithQC
		}
	case TypeESeal:
		switch {
		case !qualified:
			return NotQualifiedESeal
		case qscd:
			return ESealWithQCAndQSCD
		default:
			return ESealWithQC
		}
	default:
		return NotQualified
	}
}
