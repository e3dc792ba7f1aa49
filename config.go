package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogFile       string `yaml:"log"`
	LogLevel      string `yaml:"log_level"`
	DocRoot       string `yaml:"doc_root"`
	MergeEventsMs int    `yaml:"write_debounce_ms"`
	ServerAddr    string `yaml:"server_addr"`
	Transport     string `yaml:"transport"`
	Types         string `yaml:"types"`
	Store         struct {
		BoltPath string `yaml:"bolt_path"`
		Chroma   *struct {
			Addr        string `yaml:"addr"`
			Collection  string `yaml:"collection"`
			Results     int    `yaml:"results"`
			RequestSize int    `yaml:"request_size"`
		} `yaml:"chroma"`
	} `yaml:"store"`
	OpenAI *struct {
		Model  string `yaml:"model"`
		ApiKey string `yaml:"api_key"`
	} `yaml:"open_ai"`
	Gemini *struct {
		Model  string `yaml:"model"`
		ApiKey string `yaml:"api_key"`
	} `yaml:"gemini"`
}

func readConfig(cfgPath string) (*Config, error) {
	cfgFile, err := os.Open(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open config file: %w", err)
	}
	defer cfgFile.Close()

	cfg := &Config{}
	dec := yaml.NewDecoder(cfgFile)
	err = dec.Decode(cfg)
	if err != nil {
		return nil, fmt.Errorf("unable to parse config file: %w", err)
	}

	cfg.defaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func (c *Config) defaults() {
	if c.MergeEventsMs <= 0 {
		c.MergeEventsMs = 500
	}
	if c.ServerAddr == "" {
		c.ServerAddr = "localhost:8080"
	}
	if c.Transport == "" {
		c.Transport = "sse"
	}
	if c.Store.Chroma != nil {
		if c.Store.Chroma.Collection == "" {
			c.Store.Chroma.Collection = "observables"
		}
		if c.Store.Chroma.Results <= 0 {
			c.Store.Chroma.Results = 10
		}
	}
}

func (c *Config) validate() error {
	if c.Transport != "sse" && c.Transport != "stdio" {
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.Store.Chroma != nil && c.Store.BoltPath != "" {
		return errors.New("store: configure either bolt_path or chroma, not both")
	}
	if c.Store.Chroma != nil {
		if c.Store.Chroma.Addr == "" {
			return errors.New("store.chroma: addr is required")
		}
		if c.OpenAI == nil && c.Gemini == nil {
			return errors.New("store.chroma: an open_ai or gemini embeddings provider is required")
		}
	}

	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}

	return 0, fmt.Errorf("unknown log level %q", s)
}
