package lotl

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/georgepadayatti/gotsl/lotl"

type metrics struct {
	refreshes        metric.Int64Counter
	refreshDuration  metric.Float64Histogram
	countryFailures  metric.Int64Counter
	countriesCached  metric.Int64UpDownCounter
	lastCountryCount int64
}

func newMetrics(provider metric.MeterProvider) (*metrics, error) {
	meter := provider.Meter(meterName)
	m := &metrics{}
	var err error
	m.refreshes, err = meter.Int64Counter("gotsl.refresh.total",
		metric.WithDescription("Trust cache refreshes by outcome"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}
	m.refreshDuration, err = meter.Float64Histogram("gotsl.refresh.duration",
		metric.WithDescription("Trust cache refresh duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2.5, 5, 10, 30, 60, 120, 300),
	)
	if err != nil {
		return nil, err
	}
	m.countryFailures, err = meter.Int64Counter("gotsl.country.failures",
		metric.WithDescription("National trusted lists that failed to fetch or validate"),
		metric.WithUnit("{list}"),
	)
	if err != nil {
		return nil, err
	}
	m.countriesCached, err = meter.Int64UpDownCounter("gotsl.countries.cached",
		metric.WithDescription("National trusted lists held in the trust cache"),
		metric.WithUnit("{list}"),
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

func (m *metrics) recordRefresh(ctx context.Context, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	m.refreshes.Add(ctx, 1, attrs)
	m.refreshDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (m *metrics) recordCountryFailure(ctx context.Context, territory string) {
	m.countryFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("country", territory)))
}

// setCountries is called with the refresh lock held.
func (m *metrics) setCountries(ctx context.Context, n int) {
	m.countriesCached.Add(ctx, int64(n)-m.lastCountryCount)
	m.lastCountryCount = int64(n)
}
