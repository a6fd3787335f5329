package rbac

import (
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/rolegate/pkg/observability"
)

// DefaultExpireBatchSize is the number of due assignments loaded per expiration chunk
const DefaultExpireBatchSize = 200

// Options configures the rbac components. The zero value is usable with postgres.
type Options struct {
	// Dialect selects postgres or sqlite SQL. Defaults to postgres.
	Dialect Dialect

	Logger  *logrus.Logger
	Metrics *observability.Metrics

	// Cache enables resolution caching. It is only consulted when Versions is set;
	// New installs in-process versions automatically when Cache is set.
	Cache    *ResolutionCache
	Versions VersionSource

	// Now is the clock used for assigned_at, expiration and audit timestamps
	Now func() time.Time

	ExpireBatchSize int

	// TracerProvider receives spans for resolution and mutations. Defaults to the
	// global provider, which is a no-op until observability.InitOTel installs one.
	TracerProvider trace.TracerProvider
}

func (o Options) withDefaults() Options {
	if o.Dialect == "" {
		o.Dialect = DialectPostgres
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.TracerProvider == nil {
		o.TracerProvider = otel.GetTracerProvider()
	}
	if o.ExpireBatchSize <= 0 {
		o.ExpireBatchSize = DefaultExpireBatchSize
	}
	return o
}

func (o Options) now() time.Time {
	return o.Now().UTC()
}
