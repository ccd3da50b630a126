package engine

import (
	"github.com/KevoDB/usf/pkg/common/log"
	"github.com/KevoDB/usf/pkg/config"
	"github.com/KevoDB/usf/pkg/stats"
	"github.com/KevoDB/usf/pkg/telemetry"
)

type options struct {
	cfg       *config.Config
	logger    log.Logger
	stats     stats.Collector
	telemetry telemetry.Telemetry
	key       []byte
}

// Option configures Create and Open
type Option func(*options)

// WithConfig sets the runtime configuration. For Open, the block size and
// encryption flag come from the file header and cfg's values are ignored.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) {
		o.cfg = cfg
	}
}

// WithLogger sets the logger. Engine lines carry component and path fields.
func WithLogger(logger log.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithStats sets the statistics collector
func WithStats(collector stats.Collector) Option {
	return func(o *options) {
		o.stats = collector
	}
}

// WithTelemetry sets the telemetry sink. The engine does not shut it down.
func WithTelemetry(tel telemetry.Telemetry) Option {
	return func(o *options) {
		o.telemetry = tel
	}
}

// WithEncryptionKey supplies the 32-byte master key of an encrypted container
func WithEncryptionKey(key []byte) Option {
	return func(o *options) {
		o.key = key
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.cfg == nil {
		o.cfg = config.NewDefaultConfig()
	}
	if o.logger == nil {
		o.logger = log.GetDefaultLogger()
	}
	if o.stats == nil {
		o.stats = stats.NewAtomicCollector()
	}
	if o.telemetry == nil {
		o.telemetry = telemetry.NewNoop()
	}
	return o
}
