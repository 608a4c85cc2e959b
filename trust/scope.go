package trust

import "github.com/georgepadayatti/gotsl/tsl"

var (
	caScope        = []CertificateSource{SourceSignerCert, SourceCRLIssuer, SourceOCSPIssuer}
	ocspScope      = []CertificateSource{SourceOCSPIssuer}
	crlScope       = []CertificateSource{SourceCRLIssuer}
	timestampScope = []CertificateSource{SourceTimestamp}
	signerScope    = []CertificateSource{SourceSignerCert}
)

// serviceScopes maps service type identifiers to the sources a service of
// that type may be trusted for.
var serviceScopes = map[string][]CertificateSource{
	tsl.ServiceTypeCAQC:  caScope,
	tsl.ServiceTypeCAPKC: caScope,

	tsl.ServiceTypeOCSP:   ocspScope,
	tsl.ServiceTypeOCSPQC: ocspScope,
	tsl.ServiceTypeCRL:    crlScope,
	tsl.ServiceTypeCRLQC:  crlScope,

	tsl.ServiceTypeTSA:                timestampScope,
	tsl.ServiceTypeTSAQTST:            timestampScope,
	tsl.ServiceTypeTSATSSQC:           timestampScope,
	tsl.ServiceTypeTSATSSAdESQCAndQES: timestampScope,

	tsl.ServiceTypeEDSQ:                    signerScope,
	tsl.ServiceTypeEDSREMQ:                 signerScope,
	tsl.ServiceTypePSESQ:                   signerScope,
	tsl.ServiceTypeQESValidationQ:          signerScope,
	tsl.ServiceTypeRemoteQSigCDManagementQ: signerScope,
	tsl.ServiceTypeRemoteQSealCDManagement: signerScope,
	tsl.ServiceTypeEAAQ:                    signerScope,
	tsl.ServiceTypeElectronicArchivingQ:    signerScope,
	tsl.ServiceTypeLedgersQ:                signerScope,
}

// Scope returns the sources a service type may be trusted for, or false
// for unrecognized types.
func Scope(serviceType string) ([]CertificateSource, bool) {
	s, ok := serviceScopes[serviceType]
	if !ok {
		return nil, false
	}
	return append([]CertificateSource(nil), s...), true
}

var validStatuses = map[string]bool{
	tsl.StatusGranted:                   true,
	tsl.StatusRecognisedAtNationalLevel: true,
	tsl.StatusAccredited:                true,
	tsl.StatusUnderSupervision:          true,
	tsl.StatusSupervisionInCessation:    true,
	tsl.StatusSetByNationalLaw:          true,
}

// IsValidStatus reports whether a service in status may be trusted.
func IsValidStatus(status string) bool {
	return validStatuses[status]
}

var scopeExtensions = map[string]bool{
	tsl.ForeSignaturesURI:           true,
	tsl.ForeSealsURI:                true,
	tsl.ForWebSiteAuthenticationURI: true,
}

// outOfScope reports whether info narrows the service only to scopes that
// never apply to signature validation.
func outOfScope(info *tsl.ChronologicalInfo) bool {
	scoped := false
	for _, ext := range info.ServiceExtensions {
		if !scopeExtensions[ext] {
			continue
		}
		if ext != tsl.ForWebSiteAuthenticationURI {
			return false
		}
		scoped = true
	}
	return scoped
}
