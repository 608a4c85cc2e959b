// Package xmlsig verifies enveloped XML signatures of trusted lists.
package xmlsig

import (
	"crypto/x509"
	"fmt"
	"strings"

	"github.com/beevik/etree"
	"github.com/cockroachdb/errors"
	"github.com/moov-io/signedxml"
)

// EnvelopedSignatureTransform is the transform that removes the signature
// from the content it signs.
const EnvelopedSignatureTransform = "http://www.w3.org/2000/09/xmldsig#enveloped-signature"

// referenceIDAttribute resolves "#id" reference URIs, as in ETSI lists and
// XAdES signed properties.
const referenceIDAttribute = "Id"

// Validator checks the XML signature of a document and reports the
// certificate that produced it. Whether that certificate is trusted is
// left to the caller.
type Validator interface {
	Validate(doc []byte) (valid bool, signer *x509.Certificate, err error)
}

// FuncValidator adapts a function to Validator.
type FuncValidator func(doc []byte) (bool, *x509.Certificate, error)

// Validate implements Validator.
func (f FuncValidator) Validate(doc []byte) (bool, *x509.Certificate, error) {
	return f(doc)
}

// SignatureError wraps a verification failure.
type SignatureError struct {
	Message string
	Err     error
}

// Error implements error.
func (e *SignatureError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying validation failure.
func (e *SignatureError) Unwrap() error {
	return e.Err
}

// SignedXMLValidator verifies signatures with signedxml. The verification
// key comes from the KeyInfo of the document unless Certificates is set.
//
// Only enveloped signatures over the whole document are accepted: the
// signature must be a child of the document element, exactly one reference
// must resolve to the document with the enveloped-signature transform, and
// any other reference must point inside the signature itself.
type SignedXMLValidator struct {
	Certificates []*x509.Certificate
}

// Validate implements Validator.
func (v *SignedXMLValidator) Validate(doc []byte) (valid bool, signer *x509.Certificate, err error) {
	defer func() {
		if r := recover(); r != nil {
			valid, signer = false, nil
			err = &SignatureError{Message: "malformed signature", Err: errors.Newf("%v", r)}
		}
	}()
	if len(doc) == 0 {
		return false, nil, &SignatureError{Message: "empty document"}
	}
	if err := checkCoverage(doc); err != nil {
		return false, nil, &SignatureError{Message: "signature does not cover the document", Err: err}
	}
	validator, err := signedxml.NewValidator(string(doc))
	if err != nil {
		return false, nil, &SignatureError{Message: "cannot read signed document", Err: err}
	}
	validator.SetReferenceIDAttribute(referenceIDAttribute)
	for _, cert := range v.Certificates {
		if cert != nil {
			validator.Certificates = append(validator.Certificates, *cert)
		}
	}

	refs, err := validator.ValidateReferences()
	if err != nil {
		return false, nil, &SignatureError{Message: "signature verification failed", Err: err}
	}
	if len(refs) == 0 {
		return false, nil, &SignatureError{Message: "signature covers no content"}
	}
	cert := validator.SigningCert()
	if len(cert.Raw) == 0 {
		return false, nil, &SignatureError{Message: "signature verified without a signing certificate"}
	}
	return true, &cert, nil
}

// checkCoverage rejects signatures that leave part of the document unsigned.
// It locates the signature the same way signedxml does.
func checkCoverage(doc []byte) error {
	d := etree.NewDocument()
	if err := d.ReadFromBytes(doc); err != nil {
		return errors.Wrap(err, "cannot read document")
	}
	root := d.Root()
	if root == nil {
		return errors.New("document has no root element")
	}
	sig := d.FindElement("//Signature")
	if sig == nil {
		return errors.New("no Signature element")
	}
	if sig.Parent() != root {
		return errors.Newf("Signature is a child of %s, not of the document element", sig.Parent().Tag)
	}
	signedInfo := sig.SelectElement("SignedInfo")
	if signedInfo == nil {
		return errors.New("no SignedInfo element")
	}

	whole := 0
	for _, ref := range signedInfo.SelectElements("Reference") {
		uri := ref.SelectAttrValue("URI", "")
		target := root
		if uri != "" {
			if !strings.HasPrefix(uri, "#") {
				return errors.Newf("external reference %q", uri)
			}
			path, err := etree.CompilePath(fmt.Sprintf(".//[@%s='%s']", referenceIDAttribute, uri[1:]))
			if err != nil {
				return errors.Wrapf(err, "reference %q", uri)
			}
			target = d.FindElementPath(path)
			if target == nil {
				return errors.Newf("reference %q does not resolve", uri)
			}
		}
		switch {
		case target == root:
			if !hasTransform(ref, EnvelopedSignatureTransform) {
				return errors.Newf("reference %q lacks the enveloped-signature transform", uri)
			}
			whole++
		case !within(target, sig):
			return errors.Newf("reference %q covers only part of the document", uri)
		}
	}
	if whole != 1 {
		return errors.Newf("%d references cover the document, want 1", whole)
	}
	return nil
}

func hasTransform(ref *etree.Element, algorithm string) bool {
	transforms := ref.SelectElement("Transforms")
	if transforms == nil {
		return false
	}
	for _, tr := range transforms.SelectElements("Transform") {
		if tr.SelectAttrValue("Algorithm", "") == algorithm {
			return true
		}
	}
	return false
}

func within(el, ancestor *etree.Element) bool {
	for ; el != nil; el = el.Parent() {
		if el == ancestor {
			return true
		}
	}
	return false
}

// IsSignatureError reports whether err came from signature verification.
func IsSignatureError(err error) bool {
	var sigErr *SignatureError
	return errors.As(err, &sigErr)
}
