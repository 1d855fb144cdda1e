// Package config holds the configuration of the vaultenv command. Values
// resolve from flags, then VAULTENV_* environment variables, then an
// optional vaultenv-cli config file, then compiled defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g. VAULTENV_ENV_FILE.
	EnvPrefix = "VAULTENV"
	// FileName is the config file stem searched for, without extension.
	FileName = "vaultenv-cli"
	// AppName names the XDG config subdirectory.
	AppName = "vaultenv"
)

const (
	KeyProjectRoot       = "project_root"
	KeyEnvFile           = "env_file"
	KeyAllowImportErrors = "allow_import_errors"
	KeyLogLevel          = "log_level"
)

// Option describes a single configuration entry: its viper key, the
// corresponding CLI flag name, the compiled default, and a description
// shown in --help output.
type Option struct {
	Key         string
	Flag        string
	Default     any
	Description string
}

// SyncOptions defines the configuration entries of the sync command.
var SyncOptions = []Option{
	{Key: KeyProjectRoot, Flag: toFlag(KeyProjectRoot), Default: ".", Description: "Project root to scan for settings modules"},
	{Key: KeyEnvFile, Flag: toFlag(KeyEnvFile), Default: ".env", Description: "Env file to write, relative to the project root unless absolute"},
	{Key: KeyAllowImportErrors, Flag: toFlag(KeyAllowImportErrors), Default: false, Description: "Continue on module load errors and sync the modules that loaded"},
	{Key: KeyLogLevel, Flag: toFlag(KeyLogLevel), Default: "warn", Description: "Log level (debug, info, warn, error)"},
}

// Config wraps a viper instance scoped to one command invocation.
type Config struct {
	v *viper.Viper
}

// New creates a Config with defaults and environment overrides applied.
func New() *Config {
	v := viper.New()

	for _, o := range SyncOptions {
		v.SetDefault(o.Key, o.Default)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	return &Config{v: v}
}

// ReadFile loads the config file. An explicit path must exist. Without one,
// VAULTENV_CONFIG is consulted, then vaultenv-cli.{yaml,yml,toml,json} is
// searched in the working directory and the XDG config directories; finding
// none is not an error.
func (c *Config) ReadFile(explicit string) error {
	if explicit == "" {
		explicit = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if explicit != "" {
		c.v.SetConfigFile(explicit)
		if err := c.v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file '%s': %w", explicit, err)
		}
		return nil
	}

	c.v.SetConfigName(FileName)
	for _, dir := range SearchPaths() {
		c.v.AddConfigPath(dir)
	}
	if err := c.v.ReadInConfig(); err != nil {
		var notFoundErr viper.ConfigFileNotFoundError
		if !(errors.As(err, &notFoundErr) || errors.Is(err, os.ErrNotExist)) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return nil
}

// ConfigFile returns the path of the loaded config file, if any.
func (c *Config) ConfigFile() string {
	return c.v.ConfigFileUsed()
}

// BindFlags registers a flag per option on fs and binds it to its key.
func (c *Config) BindFlags(fs *pflag.FlagSet, options []Option) error {
	for _, o := range options {
		switch v := o.Default.(type) {
		case string:
			fs.String(o.Flag, v, o.Description)
		case int:
			fs.Int(o.Flag, v, o.Description)
		case bool:
			fs.Bool(o.Flag, v, o.Description)
		case []string:
			fs.StringSlice(o.Flag, v, o.Description)
		default:
			return fmt.Errorf("unsupported flag type for key: %s", o.Key)
		}

		if err := c.v.BindPFlag(o.Key, fs.Lookup(o.Flag)); err != nil {
			return fmt.Errorf("failed to bind flag %s: %w", o.Flag, err)
		}
	}

	return nil
}

func (c *Config) ProjectRoot() string {
	return c.v.GetString(KeyProjectRoot) // VAULTENV_PROJECT_ROOT
}

func (c *Config) EnvFile() string {
	return c.v.GetString(KeyEnvFile) // VAULTENV_ENV_FILE
}

func (c *Config) AllowImportErrors() bool {
	return c.v.GetBool(KeyAllowImportErrors) // VAULTENV_ALLOW_IMPORT_ERRORS
}

func (c *Config) LogLevel() string {
	return c.v.GetString(KeyLogLevel) // VAULTENV_LOG_LEVEL
}

// SearchPaths returns the directories searched for the config file: the
// working directory, then XDG config locations.
func SearchPaths() []string {
	var paths []string
	if cwd, err := os.Getwd(); err == nil {
		paths = append(paths, cwd)
	}
	return append(paths, xdgConfigPaths(AppName)...)
}

// xdgConfigPaths returns XDG-compliant config search paths
func xdgConfigPaths(appName string) []string {
	var paths []string

	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		paths = append(paths, filepath.Join(xdgHome, appName))
	} else if home := os.Getenv("HOME"); home != "" {
		paths = append(paths, filepath.Join(home, ".config", appName))
	}

	if xdgDirs := os.Getenv("XDG_CONFIG_DIRS"); xdgDirs != "" {
		for _, dir := range filepath.SplitList(xdgDirs) {
			paths = append(paths, filepath.Join(dir, appName))
		}
	} else {
		paths = append(paths, filepath.Join("/etc/xdg", appName))
	}

	return paths
}

func toFlag(key string) string {
	return strings.ReplaceAll(strings.ToLower(key), "_", "-")
}
