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

package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	nested "github.com/antonfisher/nested-logrus-formatter"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

var (
	DefaultConfigPath       = "/etc/zaychik/config.yaml"
	DefaultClientConfigPath = "/etc/zaychik/zctl.yaml"
	DefaultServerURL        = "http://127.0.0.1:3000"
)

// InitLogger sets the global logrus level and formatter. When file is not
// empty, logs also go to a size-rotated file.
func InitLogger(level string, file string) error {
	lvl, err := log.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	log.SetLevel(lvl)
	log.SetReportCaller(lvl >= log.DebugLevel)
	log.SetFormatter(&nested.Formatter{
		TimestampFormat: time.RFC3339,
		FieldsOrder:     []string{"component"},
	})

	if file != "" {
		log.SetOutput(io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   file,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}))
	} else {
		log.SetOutput(os.Stdout)
	}
	return nil
}

func DetectNetworkProxy() {
	for _, key := range []string{"http_proxy", "https_proxy", "HTTP_PROXY", "HTTPS_PROXY"} {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			log.Warnf("%s is set: %s. Requests to zaychikd may go through it unless no_proxy covers the server.", key, v)
		}
	}
}

// ClientConfig is the zctl configuration file.
type ClientConfig struct {
	ServerURL string        `yaml:"ServerURL"`
	Timeout   time.Duration `yaml:"Timeout"`
}

// ParseClientConfig reads path. A missing file yields the defaults.
func ParseClientConfig(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerURL: DefaultServerURL,
		Timeout:   30 * time.Second,
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if cfg.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL cannot be empty in %s", path)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")
	return cfg, nil
}
