/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package config loads and validates the zaychikd configuration file.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"ZaychikServer/internal/backhome"
	"ZaychikServer/internal/cache"
	"ZaychikServer/internal/util"
	"ZaychikServer/pkg/types"
)

type Config struct {
	Cluster  ClusterConfig  `mapstructure:"cluster"`
	Agent    AgentConfig    `mapstructure:"agent"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Backhome BackhomeConfig `mapstructure:"backhome"`
	Brake    BrakeConfig    `mapstructure:"brake"`
	DB       DBConfig       `mapstructure:"db"`
	Server   ServerConfig   `mapstructure:"server"`
}

type ClusterConfig struct {
	Servers []ServerEntry `mapstructure:"servers"`

	// Nodes is Servers with host list expressions expanded, in order.
	Nodes []NodeConfig `mapstructure:"-"`
}

// ServerEntry is one item of cluster.servers. Host may be a host list
// expression such as "cn[01-04]".
type ServerEntry struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	FanStyle string `mapstructure:"fan_style"`
}

type NodeConfig struct {
	Host     string
	Port     int
	FanStyle types.FanStyle
}

type AgentConfig struct {
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// LoggingConfig controls telemetry caching and history recording.
type LoggingConfig struct {
	CPURefreshInterval  time.Duration `mapstructure:"cpu_refresh_interval"`
	GPURefreshInterval  time.Duration `mapstructure:"gpu_refresh_interval"`
	FanRefreshInterval  time.Duration `mapstructure:"fan_refresh_interval"`
	NodeRefreshInterval time.Duration `mapstructure:"node_refresh_interval"`
	LogInterval         time.Duration `mapstructure:"log_interval"`
}

type ClockPower struct {
	Clock int     `mapstructure:"clock"`
	Power float64 `mapstructure:"power"`
}

type SpeedPower struct {
	Speed int     `mapstructure:"speed"`
	Power float64 `mapstructure:"power"`
}

type BackhomeConfig struct {
	CPUPowerPerCore     []ClockPower `mapstructure:"cpu_power_per_core"`
	GPUPowerPerCard     []ClockPower `mapstructure:"gpu_power_per_card"`
	FanPowerPerFan      []SpeedPower `mapstructure:"fan_power_per_fan"`
	BasePowerOfAllNodes float64      `mapstructure:"base_power_of_all_nodes"`
	WarnThreshold       float64      `mapstructure:"warn_threshold"`
	NotAllowedThreshold float64      `mapstructure:"notallowed_threshold"`
}

type BrakeConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Threshold     float64       `mapstructure:"threshold"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

type DBConfig struct {
	Type          string          `mapstructure:"type"`
	BatchSize     int             `mapstructure:"batch_size"`
	FlushInterval time.Duration   `mapstructure:"flush_interval"`
	InfluxDB      *InfluxDBConfig `mapstructure:"influxdb"`
	Kafka         *KafkaConfig    `mapstructure:"kafka"`
}

type InfluxDBConfig struct {
	URL    string `mapstructure:"url"`
	Token  string `mapstructure:"token"`
	Org    string `mapstructure:"org"`
	Bucket string `mapstructure:"bucket"`
}

// KafkaConfig publishes history samples to a Kafka or Redpanda topic.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type ServerConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
	LogLevel      string `mapstructure:"log_level"`
	LogFile       string `mapstructure:"log_file"`
}

var (
	ErrMissingField = errors.New("missing field")
	ErrInvalidField = errors.New("invalid field")
)

// FieldError names the offending key of one configuration problem.
type FieldError struct {
	Field  string
	Err    error
	Detail string
}

func (e *FieldError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("%s: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Detail)
}

func (e *FieldError) Unwrap() error {
	return e.Err
}

func missing(field string) error {
	return &FieldError{Field: field, Err: ErrMissingField}
}

func invalidf(field, format string, args ...any) error {
	return &FieldError{Field: field, Err: ErrInvalidField, Detail: fmt.Sprintf(format, args...)}
}

func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaultConfig(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("agent.request_timeout", "10s")

	v.SetDefault("logging.cpu_refresh_interval", "1s")
	v.SetDefault("logging.gpu_refresh_interval", "1s")
	v.SetDefault("logging.fan_refresh_interval", "10s")
	v.SetDefault("logging.node_refresh_interval", "1s")
	v.SetDefault("logging.log_interval", "5s")

	v.SetDefault("brake.enabled", true)
	v.SetDefault("brake.check_interval", "5s")

	v.SetDefault("db.type", "none")
	v.SetDefault("db.batch_size", 1)
	v.SetDefault("db.flush_interval", "30s")

	v.SetDefault("server.listen_address", "0.0.0.0:3000")
	v.SetDefault("server.log_level", "info")
}

// validateConfig reports every problem at once, one FieldError per field.
// It also expands cluster.servers into cluster nodes.
func validateConfig(cfg *Config) error {
	var errs []error

	if len(cfg.Cluster.Servers) == 0 {
		errs = append(errs, missing("cluster.servers"))
	}
	cfg.Cluster.Nodes = nil
	seen := make(map[string]bool)
	for i, s := range cfg.Cluster.Servers {
		field := fmt.Sprintf("cluster.servers[%d]", i)
		if s.Host == "" {
			errs = append(errs, missing(field+".host"))
			continue
		}
		if s.Port <= 0 || s.Port > 65535 {
			errs = append(errs, invalidf(field+".port", "%d is not a valid port", s.Port))
		}
		style := types.FanStyle(s.FanStyle)
		if !style.Valid() {
			errs = append(errs, invalidf(field+".fan_style", "%q is neither %q nor %q",
				s.FanStyle, types.FanStyleASC, types.FanStyleSC))
		}
		hosts, err := util.ParseHostList(s.Host)
		if err != nil {
			errs = append(errs, invalidf(field+".host", "%v", err))
			continue
		}
		for _, h := range hosts {
			key := fmt.Sprintf("%s:%d", h, s.Port)
			if seen[key] {
				errs = append(errs, invalidf(field+".host", "%s is listed twice", key))
				continue
			}
			seen[key] = true
			cfg.Cluster.Nodes = append(cfg.Cluster.Nodes, NodeConfig{Host: h, Port: s.Port, FanStyle: style})
		}
	}

	if cfg.Agent.RequestTimeout <= 0 {
		errs = append(errs, invalidf("agent.request_timeout", "must be positive"))
	}

	durations := []struct {
		field string
		value time.Duration
	}{
		{"logging.cpu_refresh_interval", cfg.Logging.CPURefreshInterval},
		{"logging.gpu_refresh_interval", cfg.Logging.GPURefreshInterval},
		{"logging.fan_refresh_interval", cfg.Logging.FanRefreshInterval},
		{"logging.node_refresh_interval", cfg.Logging.NodeRefreshInterval},
		{"logging.log_interval", cfg.Logging.LogInterval},
	}
	for _, d := range durations {
		if d.value <= 0 {
			errs = append(errs, invalidf(d.field, "must be positive"))
		}
	}

	errs = append(errs, validateBackhome(&cfg.Backhome)...)

	if cfg.Brake.Enabled {
		if cfg.Brake.Threshold <= 0 {
			errs = append(errs, missing("brake.threshold"))
		}
		if cfg.Brake.CheckInterval <= 0 {
			errs = append(errs, invalidf("brake.check_interval", "must be positive"))
		}
	}

	switch cfg.DB.Type {
	case "none":
	case "influxdb":
		if cfg.DB.BatchSize <= 0 {
			errs = append(errs, invalidf("db.batch_size", "must be greater than 0"))
		}
		if cfg.DB.FlushInterval <= 0 {
			errs = append(errs, invalidf("db.flush_interval", "must be positive"))
		}
		if cfg.DB.InfluxDB == nil {
			errs = append(errs, missing("db.influxdb"))
			break
		}
		influx := []struct{ field, value string }{
			{"db.influxdb.url", cfg.DB.InfluxDB.URL},
			{"db.influxdb.token", cfg.DB.InfluxDB.Token},
			{"db.influxdb.org", cfg.DB.InfluxDB.Org},
			{"db.influxdb.bucket", cfg.DB.InfluxDB.Bucket},
		}
		for _, f := range influx {
			if f.value == "" {
				errs = append(errs, missing(f.field))
			}
		}
	case "kafka":
		if cfg.DB.Kafka == nil {
			errs = append(errs, missing("db.kafka"))
			break
		}
		if len(cfg.DB.Kafka.Brokers) == 0 {
			errs = append(errs, missing("db.kafka.brokers"))
		}
		if cfg.DB.Kafka.Topic == "" {
			errs = append(errs, missing("db.kafka.topic"))
		}
	default:
		errs = append(errs, invalidf("db.type", "unsupported database type %q", cfg.DB.Type))
	}

	if cfg.Server.ListenAddress == "" {
		errs = append(errs, missing("server.listen_address"))
	}
	if _, err := log.ParseLevel(cfg.Server.LogLevel); err != nil {
		errs = append(errs, invalidf("server.log_level", "%q", cfg.Server.LogLevel))
	}

	return errors.Join(errs...)
}

func validateBackhome(b *BackhomeConfig) []error {
	var errs []error

	scalars := []struct {
		field string
		value float64
	}{
		{"backhome.base_power_of_all_nodes", b.BasePowerOfAllNodes},
		{"backhome.warn_threshold", b.WarnThreshold},
		{"backhome.notallowed_threshold", b.NotAllowedThreshold},
	}
	for _, s := range scalars {
		switch {
		case s.value == 0:
			errs = append(errs, missing(s.field))
		case s.value < 0:
			errs = append(errs, invalidf(s.field, "must be positive"))
		}
	}
	if b.WarnThreshold > 0 && b.NotAllowedThreshold > 0 && b.WarnThreshold > b.NotAllowedThreshold {
		errs = append(errs, invalidf("backhome.warn_threshold", "%g exceeds notallowed_threshold %g",
			b.WarnThreshold, b.NotAllowedThreshold))
	}

	a := b.AdvisorConfig()
	tables := []struct {
		field string
		table types.PowerReferenceTable
	}{
		{"backhome.cpu_power_per_core", a.CPUPowerPerCore},
		{"backhome.gpu_power_per_card", a.GPUPowerPerCard},
		{"backhome.fan_power_per_fan", a.FanPowerPerFan},
	}
	for _, t := range tables {
		if len(t.table) == 0 {
			errs = append(errs, missing(t.field))
			continue
		}
		for i := 1; i < len(t.table); i++ {
			if t.table[i].Metric < t.table[i-1].Metric {
				errs = append(errs, invalidf(t.field, "entry %d is not in ascending order", i))
				break
			}
		}
	}
	return errs
}

func (b *BackhomeConfig) AdvisorConfig() backhome.Config {
	cfg := backhome.Config{
		BasePowerOfAllNodes: b.BasePowerOfAllNodes,
		WarnThreshold:       b.WarnThreshold,
		NotAllowedThreshold: b.NotAllowedThreshold,
	}
	for _, e := range b.CPUPowerPerCore {
		cfg.CPUPowerPerCore = append(cfg.CPUPowerPerCore, types.PowerBreakpoint{Metric: e.Clock, Power: e.Power})
	}
	for _, e := range b.GPUPowerPerCard {
		cfg.GPUPowerPerCard = append(cfg.GPUPowerPerCard, types.PowerBreakpoint{Metric: e.Clock, Power: e.Power})
	}
	for _, e := range b.FanPowerPerFan {
		cfg.FanPowerPerFan = append(cfg.FanPowerPerFan, types.PowerBreakpoint{Metric: e.Speed, Power: e.Power})
	}
	return cfg
}

func (l *LoggingConfig) CacheTTL() cache.TTL {
	return cache.TTL{
		CPU:  l.CPURefreshInterval,
		GPU:  l.GPURefreshInterval,
		Fan:  l.FanRefreshInterval,
		Node: l.NodeRefreshInterval,
	}
}

func PrintConfig(cfg *Config) {
	log.Info("Zaychik Configuration:")
	log.Info("----------------------------------------")
	log.Infof("Cluster: %d nodes", len(cfg.Cluster.Nodes))
	for _, n := range cfg.Cluster.Nodes {
		log.Infof("  %s:%d (fan style %s)", n.Host, n.Port, n.FanStyle)
	}
	log.Infof("Agent: request timeout %v", cfg.Agent.RequestTimeout)

	log.Info("Logging:")
	log.Infof("  Refresh intervals: cpu %v, gpu %v, fan %v, node %v",
		cfg.Logging.CPURefreshInterval, cfg.Logging.GPURefreshInterval,
		cfg.Logging.FanRefreshInterval, cfg.Logging.NodeRefreshInterval)
	log.Infof("  LogInterval: %v", cfg.Logging.LogInterval)

	log.Info("Backhome:")
	log.Infof("  BasePowerOfAllNodes: %g W", cfg.Backhome.BasePowerOfAllNodes)
	log.Infof("  WarnThreshold: %g W", cfg.Backhome.WarnThreshold)
	log.Infof("  NotAllowedThreshold: %g W", cfg.Backhome.NotAllowedThreshold)
	log.Infof("  Reference points: cpu %d, gpu %d, fan %d",
		len(cfg.Backhome.CPUPowerPerCore), len(cfg.Backhome.GPUPowerPerCard), len(cfg.Backhome.FanPowerPerFan))

	log.Info("Brake:")
	log.Infof("  Enabled: %t", cfg.Brake.Enabled)
	if cfg.Brake.Enabled {
		log.Infof("  Threshold: %g W", cfg.Brake.Threshold)
		log.Infof("  CheckInterval: %v", cfg.Brake.CheckInterval)
	}

	log.Info("Database:")
	log.Infof("  Type: %s", cfg.DB.Type)
	if cfg.DB.Type == "influxdb" && cfg.DB.InfluxDB != nil {
		log.Infof("  BatchSize: %d", cfg.DB.BatchSize)
		log.Infof("  FlushInterval: %v", cfg.DB.FlushInterval)
		log.Infof("  URL: %s", cfg.DB.InfluxDB.URL)
		log.Infof("  Org: %s", cfg.DB.InfluxDB.Org)
		log.Infof("  Bucket: %s", cfg.DB.InfluxDB.Bucket)
		log.Infof("  Token: %s", maskSecret(cfg.DB.InfluxDB.Token))
	}
	if cfg.DB.Type == "kafka" && cfg.DB.Kafka != nil {
		log.Infof("  Brokers: %s", strings.Join(cfg.DB.Kafka.Brokers, ","))
		log.Infof("  Topic: %s", cfg.DB.Kafka.Topic)
	}

	log.Info("Server:")
	log.Infof("  ListenAddress: %s", cfg.Server.ListenAddress)
	log.Infof("  LogLevel: %s", cfg.Server.LogLevel)
	if cfg.Server.LogFile != "" {
		log.Infof("  LogFile: %s", cfg.Server.LogFile)
	}
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", 8)
}
