package tsl

import "strings"

// URI bases for ETSI trust service identifiers.
const (
	TrstSvcURIBase     = "http://uri.etsi.org/TrstSvc"
	SvcTypeURIBase     = TrstSvcURIBase + "/Svctype"
	TrustedListURIBase = TrstSvcURIBase + "/TrustedList"
	SvcInfoExtURIBase  = TrustedListURIBase + "/SvcInfoExt"
	ETSITSLMimeType    = "application/vnd.etsi.tsl+xml"
)

// Service type identifiers (ETSI TS 119 612, 5.5.1).
const (
	ServiceTypeCAQC                    = SvcTypeURIBase + "/CA/QC"
	ServiceTypeCAPKC                   = SvcTypeURIBase + "/CA/PKC"
	ServiceTypeOCSP                    = SvcTypeURIBase + "/Certstatus/OCSP"
	ServiceTypeOCSPQC                  = SvcTypeURIBase + "/Certstatus/OCSP/QC"
	ServiceTypeCRL                     = SvcTypeURIBase + "/Certstatus/CRL"
	ServiceTypeCRLQC                   = SvcTypeURIBase + "/Certstatus/CRL/QC"
	ServiceTypeTSA                     = SvcTypeURIBase + "/TSA"
	ServiceTypeTSAQTST                 = SvcTypeURIBase + "/TSA/QTST"
	ServiceTypeTSATSSQC                = SvcTypeURIBase + "/TSA/TSS-QC"
	ServiceTypeTSATSSAdESQCAndQES      = SvcTypeURIBase + "/TSA/TSS-AdESQCandQES"
	ServiceTypeEDSQ                    = SvcTypeURIBase + "/EDS/Q"
	ServiceTypeEDSREMQ                 = SvcTypeURIBase + "/EDS/REM/Q"
	ServiceTypePSESQ                   = SvcTypeURIBase + "/PSES/Q"
	ServiceTypeQESValidationQ          = SvcTypeURIBase + "/QESValidation/Q"
	ServiceTypeRemoteQSigCDManagementQ = SvcTypeURIBase + "/RemoteQSigCDManagement/Q"
	ServiceTypeRemoteQSealCDManagement = SvcTypeURIBase + "/RemoteQSealCDManagement/Q"
	ServiceTypeEAAQ                    = SvcTypeURIBase + "/EAA/Q"
	ServiceTypeElectronicArchivingQ    = SvcTypeURIBase + "/ElectronicArchiving/Q"
	ServiceTypeLedgersQ                = SvcTypeURIBase + "/Ledgers/Q"
)

// Service status identifiers. Both the eIDAS statuses and those of the
// previous directive live under the TrustedList base.
const (
	StatusGranted                   = TrustedListURIBase + "/Svcstatus/granted"
	StatusWithdrawn                 = TrustedListURIBase + "/Svcstatus/withdrawn"
	StatusRecognisedAtNationalLevel = TrustedListURIBase + "/Svcstatus/recognisedatnationallevel"
	StatusDeprecatedAtNationalLevel = TrustedListURIBase + "/Svcstatus/deprecatedatnationallevel"

	StatusUnderSupervision        = TrustedListURIBase + "/Svcstatus/undersupervision"
	StatusSupervisionInCessation  = TrustedListURIBase + "/Svcstatus/supervisionincessation"
	StatusSupervisionCeased       = TrustedListURIBase + "/Svcstatus/supervisionceased"
	StatusSupervisionRevoked      = TrustedListURIBase + "/Svcstatus/supervisionrevoked"
	StatusAccredited              = TrustedListURIBase + "/Svcstatus/accredited"
	StatusAccreditationCeased     = TrustedListURIBase + "/Svcstatus/accreditationceased"
	StatusAccreditationRevoked    = TrustedListURIBase + "/Svcstatus/accreditationrevoked"
	StatusSetByNationalLaw        = TrustedListURIBase + "/Svcstatus/setbynationallaw"
	StatusDeprecatedByNationalLaw = TrustedListURIBase + "/Svcstatus/deprecatedbynationallaw"
)

// Additional service information URIs narrowing the scope of a service.
const (
	ForeSignaturesURI           = SvcInfoExtURIBase + "/ForeSignatures"
	ForeSealsURI                = SvcInfoExtURIBase + "/ForeSeals"
	ForWebSiteAuthenticationURI = SvcInfoExtURIBase + "/ForWebSiteAuthentication"
)

// Qualifier URIs (ETSI TS 119 612, 5.5.9.2.1).
const (
	QualifierWithSSCD            = SvcInfoExtURIBase + "/QCWithSSCD"
	QualifierNoSSCD              = SvcInfoExtURIBase + "/QCNoSSCD"
	QualifierSSCDAsInCert        = SvcInfoExtURIBase + "/QCSSCDStatusAsInCert"
	QualifierWithQSCD            = SvcInfoExtURIBase + "/QCWithQSCD"
	QualifierNoQSCD              = SvcInfoExtURIBase + "/QCNoQSCD"
	QualifierQSCDAsInCert        = SvcInfoExtURIBase + "/QCQSCDStatusAsInCert"
	QualifierQSCDManagedOnBehalf = SvcInfoExtURIBase + "/QCQSCDManagedOnBehalf"
	QualifierForLegalPerson      = SvcInfoExtURIBase + "/QCForLegalPerson"
	QualifierForESig             = SvcInfoExtURIBase + "/QCForESig"
	QualifierForESeal            = SvcInfoExtURIBase + "/QCForESeal"
	QualifierForWSA              = SvcInfoExtURIBase + "/QCForWSA"
	QualifierNotQualified        = SvcInfoExtURIBase + "/NotQualified"
	QualifierQCStatement         = SvcInfoExtURIBase + "/QCStatement"
)

// Substrings identifying special SchemeInformationURI entries of the LOTL.
const (
	PivotURIMarker   = "eu-lotl-pivot"
	JournalURIMarker = "eur-lex.europa.eu"
)

// ShortName returns the last path segment of an ETSI URI, which is how
// statuses and qualifiers are usually referred to in messages.
func ShortName(uri string) string {
	uri = strings.TrimRight(uri, "/")
	if i := strings.LastIndex(uri, "/"); i >= 0 {
		return uri[i+1:]
	}
	return uri
}
