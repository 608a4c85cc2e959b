package lotl

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/georgepadayatti/gotsl/fetchers"
	"github.com/georgepadayatti/gotsl/lotl/store"
	"github.com/georgepadayatti/gotsl/report"
)

func TestNewValidatesRefreshInterval(t *testing.T) {
	tests := []struct {
		name     string
		interval func(time.Duration) time.Duration
	}{
		{"equal to staleness", func(s time.Duration) time.Duration { return s }},
		{"longer than staleness", func(s time.Duration) time.Duration { return 2 * s }},
		{"zero", func(time.Duration) time.Duration { return 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Options{Staleness: time.Hour, RefreshInterval: tt.interval})
			assert.Error(t, err)
		})
	}

	svc, err := New(Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultStaleness*7/10, svc.Interval())
	assert.Equal(t, DefaultLOTLURL, svc.opts.LOTLURL)
	assert.Equal(t, DefaultJournalURI, svc.opts.Journal.URI)
}

func TestRefreshPublishesHierarchy(t *testing.T) {
	fx := newFixture(t, "BE", "AT")
	svc, err := New(fx.options())
	require.NoError(t, err)

	rep, err := svc.Refresh(context.Background())
	require.NoError(t, err)
	assert.True(t, rep.Valid(), rep.Format())
	assert.NotEmpty(t, rep.ItemsByCheck(CheckPivot))
	assert.Len(t, rep.ItemsByCheck(CheckSignature), 3)

	v, err := svc.Cache().View()
	require.NoError(t, err)
	assert.Equal(t, testLOTLURL, v.Master.URL)
	assert.Equal(t, []string{"AT", "BE"}, sortedKeys(v.Countries))
}

func TestRefreshFailureLeavesCacheUntouched(t *testing.T) {
	fx := newFixture(t, "BE")
	svc := refreshedService(t, fx, nil)
	before, _ := svc.cache.Timestamp(KeyMaster)

	fx.clock.Advance(time.Minute)
	fx.retriever.Fail(testPivot2URL, errors.New("connection refused"))
	rep, err := svc.Refresh(context.Background())
	require.Error(t, err)
	assert.Equal(t, report.ResultInvalid, rep.Result())

	after, _ := svc.cache.Timestamp(KeyMaster)
	assert.Equal(t, before, after)
	countries, err := svc.Cache().Countries()
	require.NoError(t, err)
	assert.Contains(t, countries, "BE")
}

func TestRefreshFailureStrategies(t *testing.T) {
	tests := []struct {
		name        string
		strategy    FailureStrategy
		wantErr     bool
		wantCached  bool
		wantFreshAT bool
		wantResult  report.Result
	}{
		{name: "ignore keeps previous", strategy: IgnoreCountryFailures(), wantCached: true, wantResult: report.ResultInfo},
		{name: "remove drops the country", strategy: RemoveFailingCountries(), wantResult: report.ResultInvalid},
		{name: "fail aborts the refresh", strategy: FailOnCountryFailure(), wantErr: true, wantCached: true, wantResult: report.ResultInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newFixture(t, "BE", "AT")
			svc := refreshedService(t, fx, func(o *Options) { o.FailureStrategy = tt.strategy })
			initial, _ := svc.cache.Timestamp(CountryKey("AT"))

			fx.clock.Advance(time.Minute)
			fx.retriever.Fail(countryURL("AT"), errors.New("timeout"))
			rep, err := svc.Refresh(context.Background())
			if tt.wantErr {
				require.ErrorIs(t, err, ErrCountryFailure)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.wantResult, rep.Result(), rep.Format())

			ts, cached := svc.cache.Timestamp(CountryKey("AT"))
			assert.Equal(t, tt.wantCached, cached)
			if cached {
				assert.Equal(t, initial, ts)
			}
			be, ok := svc.cache.Timestamp(CountryKey("BE"))
			require.True(t, ok)
			if tt.wantErr {
				assert.Equal(t, initial, be)
			} else {
				assert.Equal(t, fx.clock.Now(), be)
			}
		})
	}
}

func TestRefreshDropsUnreferencedCountries(t *testing.T) {
	fx := newFixture(t, "BE", "AT")
	svc := refreshedService(t, fx, nil)

	fx.publishMaster("BE")
	_, err := svc.Refresh(context.Background())
	require.NoError(t, err)

	countries, err := svc.Cache().Countries()
	require.NoError(t, err)
	assert.Equal(t, []string{"BE"}, sortedKeys(countries))
}

func TestRefreshFirstFailureWithoutPreviousData(t *testing.T) {
	fx := newFixture(t, "BE", "AT")
	fx.retriever.Fail(countryURL("AT"), errors.New("timeout"))
	svc := refreshedService(t, fx, nil)

	countries, err := svc.Cache().Countries()
	require.NoError(t, err)
	assert.Equal(t, []string{"BE"}, sortedKeys(countries))
}

func TestInitFromStore(t *testing.T) {
	fx := newFixture(t, "BE")
	st := store.NewMemory()
	refreshedService(t, fx, func(o *Options) { o.Store = st })

	_, err := st.Load(context.Background())
	require.NoError(t, err)

	t.Run("fresh snapshot serves without network", func(t *testing.T) {
		calls := 0
		opts := fx.options()
		opts.Store = st
		opts.Retriever = fetchers.RetrieverFunc(func(ctx context.Context, url string) ([]byte, error) {
			calls++
			return nil, errors.New("offline")
		})
		svc, err := New(opts)
		require.NoError(t, err)
		require.NoError(t, svc.Init(context.Background()))
		defer svc.Close()

		assert.Zero(t, calls)
		countries, err := svc.Cache().Countries()
		require.NoError(t, err)
		assert.Contains(t, countries, "BE")
	})

	t.Run("old snapshot triggers a best-effort refresh", func(t *testing.T) {
		fx.clock.Advance(8 * time.Hour)
		calls := 0
		opts := fx.options()
		opts.Store = st
		opts.Retriever = fetchers.RetrieverFunc(func(ctx context.Context, url string) ([]byte, error) {
			calls++
			return nil, errors.New("offline")
		})
		svc, err := New(opts)
		require.NoError(t, err)
		require.NoError(t, svc.Init(context.Background()))
		defer svc.Close()

		assert.Equal(t, 1, calls)
		_, err = svc.Cache().Master()
		assert.NoError(t, err)
	})
}

func TestInitRejectsCorruptSnapshot(t *testing.T) {
	fx := newFixture(t, "BE")
	st := store.NewMemory()
	require.NoError(t, st.Save(context.Background(), []byte(`{"version":1}`)))

	core, logs := observer.New(zap.WarnLevel)
	opts := fx.options()
	opts.Store = st
	opts.Logger = zap.New(core).Sugar()
	svc, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background()))
	defer svc.Close()

	assert.Equal(t, 1, logs.FilterMessage("rejected trust cache snapshot").Len())
	assert.Contains(t, fx.fetchedURLs(), testLOTLURL)

	data, err := st.Load(context.Background())
	require.NoError(t, err)
	_, err = DecodeSnapshot(data)
	assert.NoError(t, err)
}

func TestInitFailsWithoutAnySource(t *testing.T) {
	fx := newFixture(t, "BE")
	fx.retriever.Fail(testLOTLURL, errors.New("offline"))
	svc, err := New(fx.options())
	require.NoError(t, err)
	assert.Error(t, svc.Init(context.Background()))
}

func TestServiceLifecycle(t *testing.T) {
	fx := newFixture(t, "BE")
	svc, err := New(fx.options())
	require.NoError(t, err)

	require.NoError(t, svc.Init(context.Background()))
	assert.Error(t, svc.Init(context.Background()))
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.ErrorIs(t, svc.Init(context.Background()), ErrClosed)
}

func TestServicePeriodicRefresh(t *testing.T) {
	fx := newFixture(t, "BE", "AT")
	svc, err := New(fx.options())
	require.NoError(t, err)
	require.NoError(t, svc.Init(context.Background()))
	defer svc.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.clock.BlockUntilContext(ctx, 1))

	fx.publishMaster("BE")
	fx.clock.Advance(svc.Interval())

	assert.Eventually(t, func() bool {
		_, ok := svc.cache.Timestamp(CountryKey("AT"))
		return !ok
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRefreshMetrics(t *testing.T) {
	fx := newFixture(t, "BE", "AT")
	fx.retriever.Fail(countryURL("AT"), errors.New("timeout"))
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	refreshedService(t, fx, func(o *Options) { o.MeterProvider = provider })

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	metrics := make(map[string]metricdata.Metrics)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			metrics[m.Name] = m
		}
	}

	refreshes, ok := metrics["gotsl.refresh.total"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, refreshes.DataPoints, 1)
	assert.Equal(t, int64(1), refreshes.DataPoints[0].Value)
	outcome, _ := refreshes.DataPoints[0].Attributes.Value(attribute.Key("outcome"))
	assert.Equal(t, "success", outcome.AsString())

	failures, ok := metrics["gotsl.country.failures"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, failures.DataPoints, 1)
	country, _ := failures.DataPoints[0].Attributes.Value(attribute.Key("country"))
	assert.Equal(t, "AT", country.AsString())

	cached, ok := metrics["gotsl.countries.cached"].Data.(metricdata.Sum[int64])
	require.True(t, ok)
	require.Len(t, cached.DataPoints, 1)
	assert.Equal(t, int64(1), cached.DataPoints[0].Value)

	_, ok = metrics["gotsl.refresh.duration"].Data.(metricdata.Histogram[float64])
	assert.True(t, ok)
}

func TestFailureStrategyByName(t *testing.T) {
	for _, name := range []string{"", "ignore", "remove", "fail"} {
		s, err := FailureStrategyByName(name)
		require.NoError(t, err, name)
		assert.NotNil(t, s)
	}
	_, err := FailureStrategyByName("retry")
	assert.Error(t, err)

	res := &CountryResult{Territory: "AT", Report: report.New()}
	res.Report.Add(CheckCountry, "boom", report.ResultInvalid)
	action, err := IgnoreCountryFailures().HandleCountryFailure(res)
	require.NoError(t, err)
	assert.Equal(t, KeepPrevious, action)
	assert.Equal(t, report.ResultInfo, res.Report.Result())
	assert.Equal(t, "keep-previous", action.String())
	assert.Equal(t, "remove", RemoveCountry.String())
}
