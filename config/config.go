// Copyright 2025 PolyCrypt GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the engine's settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	plogrus "perun.network/go-perun/log/logrus"

	"perun.network/perun-upc-backend/event"
	"perun.network/perun-upc-backend/service"
	"perun.network/perun-upc-backend/store"
	"perun.network/perun-upc-backend/store/badgerdb"
	"perun.network/perun-upc-backend/store/inmemory"
)

const (
	DbTypeInMemory = "inmemory"
	DbTypeBadger   = "badger"
)

var supportedDbs = supportedType{
	DbTypeInMemory: {},
	DbTypeBadger:   {},
}

type Config struct {
	Datadir             string
	DbType              string
	DbDir               string
	LogLevel            int
	SigningTimeout      time.Duration
	ExpiryWindow        time.Duration
	ExpiryCheckInterval time.Duration
}

func (c *Config) String() string {
	json, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Sprintf("error while marshalling config JSON: %s", err)
	}
	return string(json)
}

var (
	Datadir             = "DATADIR"
	DbType              = "DB_TYPE"
	LogLevel            = "LOG_LEVEL"
	SigningTimeout      = "SIGNING_TIMEOUT"
	ExpiryWindow        = "EXPIRY_WINDOW"
	ExpiryCheckInterval = "EXPIRY_CHECK_INTERVAL"

	defaultDatadir             = appDataDir()
	defaultDbType              = DbTypeInMemory
	defaultLogLevel            = int(logrus.InfoLevel)
	defaultSigningTimeout      = service.DefaultSigningTimeout
	defaultExpiryWindow        = service.DefaultExpiryWindow
	defaultExpiryCheckInterval = event.DefaultCheckInterval
)

// LoadConfig reads the UPC_ prefixed environment on top of the defaults.
// The data directory is created for the badger store only.
func LoadConfig() (*Config, error) {
	viper.SetEnvPrefix("UPC")
	viper.AutomaticEnv()

	viper.SetDefault(Datadir, defaultDatadir)
	viper.SetDefault(DbType, defaultDbType)
	viper.SetDefault(LogLevel, defaultLogLevel)
	viper.SetDefault(SigningTimeout, defaultSigningTimeout)
	viper.SetDefault(ExpiryWindow, defaultExpiryWindow)
	viper.SetDefault(ExpiryCheckInterval, defaultExpiryCheckInterval)

	cfg := &Config{
		Datadir:             viper.GetString(Datadir),
		DbType:              viper.GetString(DbType),
		DbDir:               filepath.Join(viper.GetString(Datadir), "db"),
		LogLevel:            viper.GetInt(LogLevel),
		SigningTimeout:      viper.GetDuration(SigningTimeout),
		ExpiryWindow:        viper.GetDuration(ExpiryWindow),
		ExpiryCheckInterval: viper.GetDuration(ExpiryCheckInterval),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.DbType == DbTypeBadger {
		if err := makeDirectoryIfNotExists(cfg.DbDir); err != nil {
			return nil, fmt.Errorf("error while creating datadir: %s", err)
		}
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if !supportedDbs.supports(c.DbType) {
		return fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
	if c.LogLevel < int(logrus.PanicLevel) || c.LogLevel > int(logrus.TraceLevel) {
		return fmt.Errorf("invalid log level %d", c.LogLevel)
	}
	if c.SigningTimeout <= 0 {
		return fmt.Errorf("invalid signing timeout, must be positive")
	}
	if c.ExpiryWindow < time.Second {
		return fmt.Errorf("invalid expiry window, must be at least 1 second")
	}
	if c.ExpiryCheckInterval < time.Second {
		return fmt.Errorf("invalid expiry check interval, must be at least 1 second")
	}
	return nil
}

// SetupLogging installs a logrus backend at the configured level as the
// global logger.
func (c *Config) SetupLogging() {
	plogrus.Set(logrus.Level(c.LogLevel), &logrus.TextFormatter{FullTimestamp: true})
}

// OpenStore opens the store of the party called name. Badger stores of
// different parties live in separate directories below DbDir.
func (c *Config) OpenStore(name string) (store.Store, error) {
	switch c.DbType {
	case DbTypeInMemory:
		return inmemory.New(), nil
	case DbTypeBadger:
		logger := logrus.New()
		logger.SetLevel(logrus.Level(c.LogLevel))
		s, err := badgerdb.New(filepath.Join(c.DbDir, name), logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("db type not supported, please select one of: %s", supportedDbs)
	}
}

// ServiceOptions returns the service options the config describes.
func (c *Config) ServiceOptions() []service.Option {
	return []service.Option{
		service.WithSigningTimeout(c.SigningTimeout),
		service.WithExpiryWindow(c.ExpiryWindow),
	}
}

func appDataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ".upc"
	}
	return filepath.Join(dir, "upc")
}

func makeDirectoryIfNotExists(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return os.MkdirAll(path, os.ModeDir|0755)
	}
	return nil
}

type supportedType map[string]struct{}

func (t supportedType) String() string {
	types := make([]string, 0, len(t))
	for tt := range t {
		types = append(types, tt)
	}
	return strings.Join(types, " | ")
}

func (t supportedType) supports(typeStr string) bool {
	_, ok := t[typeStr]
	return ok
}
