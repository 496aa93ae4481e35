package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config holds the engine tunables loaded from config.yaml.
type Config struct {
	MaxWindowSize     int   `yaml:"maxWindowSize"`     // max TCP window advertised to the client
	PayloadPoolSize   int   `yaml:"payloadPoolSize"`   // number of payload chunks in the ring pool
	TcpTimeout        int64 `yaml:"tcpTimeout"`        // TCP idle timeout in seconds
	UdpTimeout        int64 `yaml:"udpTimeout"`        // UDP idle timeout in seconds
	IcmpTimeout       int64 `yaml:"icmpTimeout"`       // ICMP idle timeout in seconds
	MaxOpenSockets    int   `yaml:"maxOpenSockets"`    // open socket ceiling, 0 for platform default
	SocketsAfterPurge int   `yaml:"socketsAfterPurge"` // overload purge target, 0 for platform default
	SkipICMP          bool  `yaml:"skipICMP"`          // do not open the shared raw ICMP socket
	Debug             bool  `yaml:"debug"`             // verbose per-packet logging
}

var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		MaxWindowSize:   64240,
		PayloadPoolSize: 64,
		TcpTimeout:      30,
		UdpTimeout:      15,
		IcmpTimeout:     5,
	}
}

// ReadConfig loads the configuration file at path. Missing fields keep
// their default values.
func ReadConfig(path string) (*Config, error) {
	conf := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if conf.MaxWindowSize <= 0 || conf.MaxWindowSize > 65535 {
		return nil, fmt.Errorf("maxWindowSize(%d) must be within 1..65535", conf.MaxWindowSize)
	}
	if conf.PayloadPoolSize <= 0 {
		return nil, fmt.Errorf("payloadPoolSize(%d) must be positive", conf.PayloadPoolSize)
	}

	return conf, nil
}
