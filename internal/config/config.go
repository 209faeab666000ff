package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"difflsp/internal/diff"

	"github.com/spf13/viper"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("difflsp.config")

// Language configures the backend language server for one file type.
type Language struct {
	Command    string   `json:"command" mapstructure:"command"`
	Args       []string `json:"args" mapstructure:"args"`
	WorkingDir string   `json:"working_dir" mapstructure:"working_dir"`
	LanguageID string   `json:"language_id" mapstructure:"language_id"`
}

type Config struct {
	Root             string              `json:"root" mapstructure:"root"`
	DiffFile         string              `json:"diff_file" mapstructure:"diff_file"`
	RequestTimeoutMS int                 `json:"request_timeout_ms" mapstructure:"request_timeout_ms"`
	FetchCommand     []string            `json:"fetch_command" mapstructure:"fetch_command"`
	FetchIntervalS   int                 `json:"fetch_interval_s" mapstructure:"fetch_interval_s"`
	StderrTailBytes  int                 `json:"stderr_tail_bytes" mapstructure:"stderr_tail_bytes"`
	Languages        map[string]Language `json:"languages" mapstructure:"languages"`
}

const (
	DefaultRequestTimeoutMS = 10000
	DefaultStderrTailBytes  = 4096
	EnvPrefix               = "DIFFLSP"
	FileName                = "difflsp"
)

// Default returns the built-in configuration. Every call returns a fresh
// copy.
func Default() Config {
	return Config{
		RequestTimeoutMS: DefaultRequestTimeoutMS,
		FetchCommand:     []string{"git", "fetch"},
		StderrTailBytes:  DefaultStderrTailBytes,
		Languages: map[string]Language{
			"rust":       {Command: "rust-analyzer"},
			"go":         {Command: "gopls"},
			"python":     {Command: "pylsp"},
			"typescript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
			"javascript": {Command: "typescript-language-server", Args: []string{"--stdio"}},
		},
	}
}

// Overlay returns a copy of c with the fields present in v, typically the
// editor's initializationOptions, applied. A language entry in v replaces
// the whole entry for that language.
func (c Config) Overlay(v any) (Config, error) {
	cfg := c.clone()
	if v == nil {
		return cfg, nil
	}

	data, err := json.Marshal(v)
	if err != nil {
		return Config{}, fmt.Errorf("failed to marshal source: %w", err)
	}
	if string(data) == "null" {
		return cfg, nil
	}

	// only fields present in src will overwrite.
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal into Config: %w", err)
	}
	return cfg, nil
}

// LoadFile reads the config file and DIFFLSP_* environment variables over
// the defaults. With an empty path, difflsp.{yaml,toml,json} is searched
// for in the user config directory and the working directory, and a
// missing file is not an error.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(FileName)
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, FileName))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// env variables are only seen for keys viper knows about
	v.SetDefault("root", cfg.Root)
	v.SetDefault("diff_file", cfg.DiffFile)
	v.SetDefault("request_timeout_ms", cfg.RequestTimeoutMS)
	v.SetDefault("fetch_command", cfg.FetchCommand)
	v.SetDefault("fetch_interval_s", cfg.FetchIntervalS)
	v.SetDefault("stderr_tail_bytes", cfg.StderrTailBytes)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		log.Infof("using config file %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return cfg, nil
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.RequestTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("request_timeout_ms must not be negative"))
	}
	if c.FetchIntervalS < 0 {
		errs = append(errs, fmt.Errorf("fetch_interval_s must not be negative"))
	}
	for name, lang := range c.Languages {
		if _, ok := diff.ParseFileType(name); !ok {
			errs = append(errs, fmt.Errorf("languages: unsupported language %q", name))
		}
		if lang.Command == "" {
			errs = append(errs, fmt.Errorf("languages.%s: command is empty", name))
		}
	}
	return errors.Join(errs...)
}

// RequestTimeout is zero when requests are unbounded.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// FetchInterval is zero when periodic fetching is off.
func (c Config) FetchInterval() time.Duration {
	return time.Duration(c.FetchIntervalS) * time.Second
}

// Language returns the backend settings for a file type.
func (c Config) Language(ft diff.FileType) (Language, bool) {
	lang, ok := c.Languages[ft.String()]
	if !ok || lang.Command == "" {
		return Language{}, false
	}
	return lang, true
}

func (c Config) clone() Config {
	cfg := c
	cfg.FetchCommand = append([]string(nil), c.FetchCommand...)
	cfg.Languages = make(map[string]Language, len(c.Languages))
	for name, lang := range c.Languages {
		lang.Args = append([]string(nil), lang.Args...)
		cfg.Languages[name] = lang
	}
	return cfg
}
