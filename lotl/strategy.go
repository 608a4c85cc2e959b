package lotl

import (
	"github.com/cockroachdb/errors"

	"github.com/georgepadayatti/gotsl/report"
)

// FailureAction tells the refresh what to do with a failed country.
type FailureAction int

const (
	// KeepPrevious leaves any cached data for the country in place. It
	// keeps its old timestamp and eventually becomes stale.
	KeepPrevious FailureAction = iota
	// RemoveCountry drops the cached data for the country.
	RemoveCountry
)

// String returns the lower-case action name.
func (a FailureAction) String() string {
	switch a {
	case KeepPrevious:
		return "keep-previous"
	case RemoveCountry:
		return "remove"
	default:
		return "unknown"
	}
}

// ErrCountryFailure is wrapped by errors returned from FailOnCountryFailure.
var ErrCountryFailure = errors.New("country trusted list failed")

// FailureStrategy decides how a refresh handles a country whose list could
// not be fetched or validated. Returning an error aborts the refresh.
type FailureStrategy interface {
	HandleCountryFailure(result *CountryResult) (FailureAction, error)
}

// FailureStrategyFunc adapts a function to FailureStrategy.
type FailureStrategyFunc func(result *CountryResult) (FailureAction, error)

// HandleCountryFailure implements FailureStrategy.
func (f FailureStrategyFunc) HandleCountryFailure(result *CountryResult) (FailureAction, error) {
	return f(result)
}

// IgnoreCountryFailures downgrades the failure to INFO and keeps the
// previously cached data.
func IgnoreCountryFailures() FailureStrategy {
	return FailureStrategyFunc(func(result *CountryResult) (FailureAction, error) {
		if result.Report != nil {
			result.Report.Downgrade(report.ResultInvalid, report.ResultInfo)
		}
		return KeepPrevious, nil
	})
}

// RemoveFailingCountries drops the cached data of failing countries.
func RemoveFailingCountries() FailureStrategy {
	return FailureStrategyFunc(func(result *CountryResult) (FailureAction, error) {
		return RemoveCountry, nil
	})
}

// FailOnCountryFailure aborts the refresh.
func FailOnCountryFailure() FailureStrategy {
	return FailureStrategyFunc(func(result *CountryResult) (FailureAction, error) {
		return KeepPrevious, errors.Wrapf(ErrCountryFailure, "%s (%s)", result.Territory, result.Location)
	})
}

// FailureStrategyByName resolves the names used in configuration files.
func FailureStrategyByName(name string) (FailureStrategy, error) {
	switch name {
	case "", "ignore":
		return IgnoreCountryFailures(), nil
	case "remove":
		return RemoveFailingCountries(), nil
	case "fail":
		return FailOnCountryFailure(), nil
	default:
		return nil, errors.Newf("unknown failure strategy %q", name)
	}
}
