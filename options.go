package cordkit

import (
	"go.uber.org/zap"

	"github.com/yonatandev1/cordkit/gateway"
	"github.com/yonatandev1/cordkit/rest"
)

func DefaultConfig() *Config {
	return &Config{
		Logger: zap.NewNop(),
	}
}

type Config struct {
	Logger      *zap.Logger
	RESTOpts    []rest.ClientConfigOpt
	GatewayOpts []gateway.ConfigOpt
}

type ConfigOpt func(config *Config)

func (c *Config) Apply(opts []ConfigOpt) {
	for _, opt := range opts {
		opt(c)
	}
}

// WithLogger sets the logger shared by the REST and gateway layers.
func WithLogger(logger *zap.Logger) ConfigOpt {
	return func(config *Config) {
		config.Logger = logger
	}
}

func WithRESTOpts(opts ...rest.ClientConfigOpt) ConfigOpt {
	return func(config *Config) {
		config.RESTOpts = append(config.RESTOpts, opts...)
	}
}

func WithGatewayOpts(opts ...gateway.ConfigOpt) ConfigOpt {
	return func(config *Config) {
		config.GatewayOpts = append(config.GatewayOpts, opts...)
	}
}
