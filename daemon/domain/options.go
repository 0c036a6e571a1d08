package domain

import (
	"strings"

	"github.com/Scusemua/go-utils/config"
	"github.com/goccy/go-json"
	"github.com/scusemua/kernel-broker/common/configuration"
)

const (
	ServiceName = "kernel-broker"

	DefaultPrometheusPort = 8089
)

// BrokerOptions are the options of the kernel broker daemon. They are loaded from the command line and, through
// the "yaml" flag, from a configuration file.
type BrokerOptions struct {
	config.LoggerOptions            `yaml:",inline" json:"logger_options"`
	configuration.KernelPoolOptions `yaml:",inline" json:"kernel_pool_options"`
	configuration.SessionOptions    `yaml:",inline" json:"session_options"`

	ServiceName        string `name:"service-name"  json:"service-name"  yaml:"service-name"  description:"Name under which the broker registers itself with Consul."`
	PrometheusPort     int    `name:"prometheus-port" json:"prometheus-port" yaml:"prometheus-port" description:"Port on which metrics and statistics are served. Set to a non-positive value to disable."`
	PrettyPrintOptions bool   `name:"pretty_print_options" json:"pretty_print_options" yaml:"pretty_print_options" description:"If true, then the options are pretty-printed when the broker starts."`
}

// Validate replaces unset or invalid values with their defaults, including those of the embedded pool and
// session options.
func (o *BrokerOptions) Validate() error {
	if o.ServiceName == "" {
		o.ServiceName = ServiceName
	}

	if err := o.KernelPoolOptions.Validate(); err != nil {
		return err
	}

	return o.SessionOptions.Validate()
}

// DefaultBrokerOptions returns a BrokerOptions populated with default values.
func DefaultBrokerOptions() *BrokerOptions {
	opts := &BrokerOptions{
		KernelPoolOptions: *configuration.DefaultKernelPoolOptions(),
		PrometheusPort:    DefaultPrometheusPort,
	}
	_ = opts.Validate()

	return opts
}

// PrettyString is the same as String, except that PrettyString calls json.MarshalIndent instead of json.Marshal.
func (o *BrokerOptions) PrettyString(indentSize int) string {
	indentBuilder := strings.Builder{}
	for i := 0; i < indentSize; i++ {
		indentBuilder.WriteString(" ")
	}

	m, err := json.MarshalIndent(o, "", indentBuilder.String())
	if err != nil {
		panic(err)
	}

	return string(m)
}

func (o *BrokerOptions) String() string {
	m, err := json.Marshal(o)
	if err != nil {
		panic(err)
	}

	return string(m)
}
