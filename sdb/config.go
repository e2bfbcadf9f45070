// Copyright 2024 The Cockroach Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sdb

import (
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Hash function names accepted by Config.Hash.
const (
	HashXXH = "xxhash"
	HashFNV = "fnv"
)

// ErrInvalidConfig is returned for a Config that cannot be used.
var ErrInvalidConfig = errors.New("sdb: invalid config")

// Config configures a DB.
type Config struct {
	// InitialCapacity is the number of buckets the table starts with. Zero
	// selects the smallest capacity.
	InitialCapacity int
	// MaxLoadFactor is the entries per bucket ratio above which the table
	// grows. Zero selects the default of 1.
	MaxLoadFactor float64
	// MinLoadFactor is the ratio below which the table shrinks. Zero
	// disables shrinking.
	MinLoadFactor float64
	// Hash names the key hash function, HashXXH or HashFNV.
	Hash string
	// LogLevel is a zap level name such as "debug" or "warn".
	LogLevel string
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		MaxLoadFactor: 1,
		Hash:          HashXXH,
		LogLevel:      "info",
	}
}

// LoadConfig builds a Config from, in increasing order of precedence, the
// defaults, configFile if not empty, and SDB_* environment variables such as
// SDB_INITIAL_CAPACITY. The variables may also come from envFiles, which
// default to .env and .env.local; missing env files are ignored and they
// never override variables that are already set.
func LoadConfig(configFile string, envFiles ...string) (Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env", ".env.local"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	def := DefaultConfig()
	v.SetDefault("initial-capacity", def.InitialCapacity)
	v.SetDefault("max-load-factor", def.MaxLoadFactor)
	v.SetDefault("min-load-factor", def.MinLoadFactor)
	v.SetDefault("hash", def.Hash)
	v.SetDefault("log-level", def.LogLevel)

	v.SetEnvPrefix("sdb")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "sdb: reading config %s", configFile)
		}
	}

	cfg := Config{
		InitialCapacity: v.GetInt("initial-capacity"),
		MaxLoadFactor:   v.GetFloat64("max-load-factor"),
		MinLoadFactor:   v.GetFloat64("min-load-factor"),
		Hash:            v.GetString("hash"),
		LogLevel:        v.GetString("log-level"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the fields that are not validated by the table itself.
func (c Config) Validate() error {
	switch c.Hash {
	case "", HashXXH, HashFNV:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown hash %q", c.Hash)
	}
	if _, err := c.level(); err != nil {
		return err
	}
	return nil
}

// Logger builds a production logger at c.LogLevel.
func (c Config) Logger() (*zap.Logger, error) {
	level, err := c.level()
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		return nil, errors.Wrap(err, "sdb: building logger")
	}
	return logger, nil
}

func (c Config) level() (zapcore.Level, error) {
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, errors.Wrapf(ErrInvalidConfig, "log level %q", c.LogLevel)
	}
	return level, nil
}

func (c Config) hash() string {
	if c.Hash == "" {
		return HashXXH
	}
	return c.Hash
}
