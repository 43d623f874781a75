package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ProxiedNode maps one real node address onto the local address the proxy
// binds for it. Drivers connect to ProxyAddress believing it is the node at
// RealAddress.
type ProxiedNode struct {
	RealAddress  string `yaml:"real_address"`
	ProxyAddress string `yaml:"proxy_address"`
}

// Config holds the values of environment variables necessary for proper proxy function.
type Config struct {
	// ProxyTopology is a comma separated list of real=proxy address pairs,
	// e.g. "10.0.0.1:9042=127.0.0.1:14002,10.0.0.2:9042=127.0.0.1:14003".
	// Ignored when ProxyTopologyFile is set.
	ProxyTopology     string `default:"127.0.0.1:9042=127.0.0.1:14002" split_words:"true"`
	ProxyTopologyFile string `split_words:"true"`

	ProxyMetricsAddress string `default:"localhost" split_words:"true"`
	ProxyMetricsPort    int    `default:"14001" split_words:"true"`
	EnableMetrics       bool   `default:"true" split_words:"true"`

	NodeConnectionTimeoutMs int `default:"30000" split_words:"true"`

	ReadBufferSizeBytes  int `default:"16384" split_words:"true"`
	WriteQueueSizeFrames int `default:"16" split_words:"true"`

	// FeedbackPolicy is "block" (a full feedback channel suspends the worker,
	// preserving observability) or "drop" (events are discarded on overflow).
	FeedbackPolicy          string `default:"block" split_words:"true"`
	FeedbackQueueSizeEvents int    `default:"2048" split_words:"true"`

	ConnectionSetupWorkers int `default:"4" split_words:"true"`

	LogLevel string `default:"INFO" split_words:"true"`
}

func (c *Config) String() string {
	var configMap map[string]interface{}
	serializedConfig, _ := json.Marshal(c)
	_ = json.Unmarshal(serializedConfig, &configMap)

	b := new(bytes.Buffer)
	for field, val := range configMap {
		fmt.Fprintf(b, "%s=\"%v\"; ", field, val)
	}
	return fmt.Sprintf("Config{%v}", b.String())
}

// New returns an empty Config struct
func New() *Config {
	return &Config{}
}

// ParseEnvVars fills out the fields of the Config struct according to envconfig rules
// See: Usage @ https://github.com/kelseyhightower/envconfig
func (c *Config) ParseEnvVars() (*Config, error) {
	err := envconfig.Process("", c)
	if err != nil {
		return nil, fmt.Errorf("could not load environment variables: %w", err)
	}

	if _, err := c.ParseTopology(); err != nil {
		return nil, fmt.Errorf("could not parse proxy topology: %w", err)
	}

	log.Infof("Parsed configuration: %v", c)

	return c, nil
}

func (c *Config) ParseLogLevel() (log.Level, error) {
	level, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(c.LogLevel)))
	if err != nil {
		var lvl log.Level
		return lvl, fmt.Errorf("invalid log level, valid log levels are "+
			"PANIC, FATAL, ERROR, WARNING, INFO, DEBUG or TRACE: %w", err)
	}

	return level, nil
}

// ParseTopology resolves the proxied node list, either from the YAML topology
// file when one is configured or from the inline pair list.
func (c *Config) ParseTopology() ([]*ProxiedNode, error) {
	var nodes []*ProxiedNode

	if c.ProxyTopologyFile != "" {
		contents, err := os.ReadFile(c.ProxyTopologyFile)
		if err != nil {
			return nil, fmt.Errorf("could not read topology file %v: %w", c.ProxyTopologyFile, err)
		}
		if err = yaml.Unmarshal(contents, &nodes); err != nil {
			return nil, fmt.Errorf("could not parse topology file %v: %w", c.ProxyTopologyFile, err)
		}
	} else {
		for _, pair := range strings.Split(c.ProxyTopology, ",") {
			pair = strings.TrimSpace(pair)
			if pair == "" {
				continue
			}
			parts := strings.SplitN(pair, "=", 2)
			if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
				return nil, fmt.Errorf("invalid topology pair %v, expected real=proxy", pair)
			}
			nodes = append(nodes, &ProxiedNode{
				RealAddress:  strings.TrimSpace(parts[0]),
				ProxyAddress: strings.TrimSpace(parts[1]),
			})
		}
	}

	if len(nodes) == 0 {
		return nil, fmt.Errorf("topology contains no nodes")
	}

	seen := make(map[string]bool)
	for _, node := range nodes {
		if node.RealAddress == "" || node.ProxyAddress == "" {
			return nil, fmt.Errorf("topology entry is missing an address: %+v", node)
		}
		if seen[node.ProxyAddress] {
			return nil, fmt.Errorf("duplicate proxy address in topology: %v", node.ProxyAddress)
		}
		seen[node.ProxyAddress] = true
	}

	return nodes, nil
}
