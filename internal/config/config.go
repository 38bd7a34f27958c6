// Package config loads ext4view settings from an optional YAML file.
//
// The file is named by the --config flag or, failing that, the
// EXT4VIEW_CONFIG environment variable. Without either, Default is used.
// Command-line flags are applied on top of whatever was loaded.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// EnvVar names the environment variable holding the config file path.
const EnvVar = "EXT4VIEW_CONFIG"

// Config holds settings shared by all subcommands.
type Config struct {
	// LogLevel is a logrus level name. Default: warning
	LogLevel string `yaml:"log_level"`

	// Partition selects a partition (1-based) of a partitioned disk.
	// 0 picks the first partition holding an ext filesystem.
	Partition int `yaml:"partition"`

	// MaxSymlinks bounds symlink expansions during path resolution.
	MaxSymlinks int `yaml:"max_symlinks"`

	// HashIndex enables htree lookups in indexed directories.
	HashIndex bool `yaml:"hash_index"`

	// MaxReadSize is the largest file Read will load into memory.
	MaxReadSize int64 `yaml:"max_read_size"`

	// MaxDecompressed bounds the decoded size of compressed images.
	MaxDecompressed int64 `yaml:"max_decompressed"`

	// SumWorkers is the number of files digested concurrently by sum.
	SumWorkers int `yaml:"sum_workers"`
}

// Default returns the settings used when no file is given.
func Default() *Config {
	return &Config{
		LogLevel:        "warning",
		MaxSymlinks:     40,
		HashIndex:       true,
		MaxReadSize:     1 << 30,
		MaxDecompressed: 4 << 30,
		SumWorkers:      4,
	}
}

// Load reads the file at path, or the one named by EXT4VIEW_CONFIG when path
// is empty. With neither set it returns Default.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvVar)
	}
	if path == "" {
		return Default(), nil
	}
	return LoadFile(path)
}

// LoadFile reads and validates a config file. Keys not present keep their
// default values; unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "reading config")
	}
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrapf(err, "%s", path)
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "log_level")
	}
	switch {
	case c.Partition < 0:
		return fmt.Errorf("partition must not be negative, got %d", c.Partition)
	case c.MaxSymlinks < 0:
		return fmt.Errorf("max_symlinks must not be negative, got %d", c.MaxSymlinks)
	case c.MaxReadSize <= 0:
		return fmt.Errorf("max_read_size must be positive, got %d", c.MaxReadSize)
	case c.MaxDecompressed <= 0:
		return fmt.Errorf("max_decompressed must be positive, got %d", c.MaxDecompressed)
	case c.SumWorkers < 1:
		return fmt.Errorf("sum_workers must be at least 1, got %d", c.SumWorkers)
	}
	return nil
}

// Level returns the parsed log level. Call Validate first.
func (c *Config) Level() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return lvl
}
