package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type rawConfig struct {
	Listen      string `yaml:"listen"`
	AdminListen string `yaml:"admin_listen"`
	Node        struct {
		Name  string   `yaml:"name"`
		Peers []string `yaml:"peers"`
	} `yaml:"node"`
	RoutesFile string `yaml:"routes_file"`
	Timeouts   struct {
		Read     string `yaml:"read"`
		Write    string `yaml:"write"`
		Upstream string `yaml:"upstream"`
	} `yaml:"timeouts"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	AccessLog AccessLogConfig `yaml:"access_log"`
	Kafka     KafkaConfig     `yaml:"kafka"`
}

// Load reads the YAML config. A .env file next to the process, when
// present, is loaded first so env-var backed route hosts and KAFKA_HOSTS
// resolve the same way in dev and in production.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var rc rawConfig
	if err := yaml.Unmarshal(b, &rc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	c := &Config{
		Listen:      ":8080",
		AdminListen: ":8081",
		RoutesFile:  strings.TrimSpace(rc.RoutesFile),
		RateLimit:   rc.RateLimit,
		AccessLog:   rc.AccessLog,
		Kafka:       rc.Kafka,
	}
	if s := strings.TrimSpace(rc.Listen); s != "" {
		c.Listen = s
	}
	if s := strings.TrimSpace(rc.AdminListen); s != "" {
		c.AdminListen = s
	}

	c.NodeName = strings.TrimSpace(rc.Node.Name)
	if c.NodeName == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node.name empty and hostname unavailable: %w", err)
		}
		c.NodeName = host
	}
	for i, p := range rc.Node.Peers {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "ws://") && !strings.HasPrefix(p, "wss://") {
			return nil, fmt.Errorf("node.peers[%d]: must be a ws:// or wss:// url", i)
		}
		c.ClusterPeers = append(c.ClusterPeers, p)
	}

	// timeouts
	c.Timeouts.Upstream = 30 * time.Second
	if rc.Timeouts.Read != "" {
		d, err := time.ParseDuration(rc.Timeouts.Read)
		if err != nil {
			return nil, fmt.Errorf("timeouts.read: %v", err)
		}
		c.Timeouts.Read = d
	}
	if rc.Timeouts.Write != "" {
		d, err := time.ParseDuration(rc.Timeouts.Write)
		if err != nil {
			return nil, fmt.Errorf("timeouts.write: %v", err)
		}
		c.Timeouts.Write = d
	}
	if rc.Timeouts.Upstream != "" {
		d, err := time.ParseDuration(rc.Timeouts.Upstream)
		if err != nil {
			return nil, fmt.Errorf("timeouts.upstream: %v", err)
		}
		c.Timeouts.Upstream = d
	}

	if c.AccessLog.Sampling == 0 {
		c.AccessLog.Sampling = 1.0
	}
	if c.AccessLog.Sampling < 0 || c.AccessLog.Sampling > 1 {
		return nil, fmt.Errorf("access_log.sampling: must be within [0,1]")
	}

	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "gateway-audit"
	}

	return c, nil
}
