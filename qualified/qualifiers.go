package qualified

import (
	"github.com/georgepadayatti/gotsl/tsl"
)

// overrule is a value a trusted list forces onto a certificate.
type overrule int

const (
	unset overrule = iota
	forceTrue
	forceFalse
	asInCert
)

var (
	sscdVocabulary = map[string]overrule{
		tsl.QualifierWithSSCD:     forceTrue,
		tsl.QualifierNoSSCD:       forceFalse,
		tsl.QualifierSSCDAsInCert: asInCert,
	}
	qscdVocabulary = map[string]overrule{
		tsl.QualifierWithQSCD:            forceTrue,
		tsl.QualifierQSCDManagedOnBehalf: forceTrue,
		tsl.QualifierNoQSCD:              forceFalse,
		tsl.QualifierQSCDAsInCert:        asInCert,
	}
	qualificationVocabulary = map[string]overrule{
		tsl.QualifierQCStatement:  forceTrue,
		tsl.QualifierNotQualified: forceFalse,
	}
	typeVocabulary = map[string]CertType{
		tsl.QualifierForESig:        TypeESig,
		tsl.QualifierForESeal:       TypeESeal,
		tsl.QualifierForLegalPerson: TypeESeal,
		tsl.QualifierForWSA:         TypeWSA,
	}
)

// overrules are the values derived from the qualifiers matching a
// certificate. A conflict means the qualifiers contradict each other.
type overrules struct {
	device            overrule
	deviceConflict    bool
	qualified         overrule
	qualifiedConflict bool
	typ               CertType
	typeConflict      bool
}

func readOverrules(qualifiers map[string]bool, preEIDAS bool) overrules {
	var o overrules
	vocabulary := qscdVocabulary
	if preEIDAS {
		vocabulary = sscdVocabulary
	}
	o.device, o.deviceConflict = pick(qualifiers, vocabulary)
	o.qualified, o.qualifiedConflict = pick(qualifiers, qualificationVocabulary)
	for uri, t := range typeVocabulary {
		if !qualifiers[uri] {
			continue
		}
		if o.typ != TypeUndefined && o.typ != t {
			o.typeConflict = true
		}
		o.typ = t
	}
	if o.typeConflict {
		o.typ = TypeIncoherent
	}
	return o
}

func pick(qualifiers map[string]bool, vocabulary map[string]overrule) (overrule, bool) {
	value := unset
	for uri, v := range vocabulary {
		if !qualifiers[uri] {
			continue
		}
		if value != unset && value != v {
			return unset, true
		}
		value = v
	}
	return value, false
}

// apply returns the overruled value, or fromCert when the list does not
// force one.
func (o overrule) apply(fromCert bool) bool {
	switch o {
	case forceTrue:
		return true
	case forceFalse:
		return false
	default:
		return fromCert
	}
}
