// Package config loads the aggregate yaml configuration. Secrets are taken
// from the environment and scrubbed after reading, never from the file.
package config

import (
	"io/ioutil"
	"os"
	"time"

	"github.com/cse-watch/phishmon/capture"
	"github.com/cse-watch/phishmon/discovery"
	"github.com/cse-watch/phishmon/enrich"
	"github.com/cse-watch/phishmon/generic"
	"github.com/cse-watch/phishmon/pipeline"
	"github.com/cse-watch/phishmon/store"
	"gopkg.in/yaml.v2"
)

const (
	DbPass      = "PHISHMON_DB_PASS"
	SentryDsn   = "PHISHMON_SENTRY_DSN"
	InfluxToken = "PHISHMON_INFLUX_TOKEN"
)

type Brand struct {
	Name     string   `yaml:"name"`
	Seed     string   `yaml:"seed"`
	Keywords []string `yaml:"keywords"`
}

type Discovery struct {
	MaxVariants    int                `yaml:"max-variants"`
	MaxIdnVariants int                `yaml:"max-idn-variants"`
	CtEnabled      bool               `yaml:"ct-enabled"`
	Ct             discovery.CtConfig `yaml:"ct"`
}

type Sentry struct {
	Enabled bool   `yaml:"enabled"`
	Dsn     string `yaml:"dsn"`
}

type Config struct {
	Brand       Brand            `yaml:"brand"`
	Discovery   Discovery        `yaml:"discovery"`
	Enrichment  enrich.Config    `yaml:"enrichment"`
	Capture     capture.Config   `yaml:"capture"`
	Pipeline    pipeline.Config  `yaml:"pipeline"`
	Store       store.Config     `yaml:"store"`
	Sentry      Sentry           `yaml:"sentry"`
	FreshWindow generic.Duration `yaml:"fresh-window"`
}

func Default() Config {
	return Config{
		Discovery: Discovery{
			MaxVariants:    1000,
			MaxIdnVariants: 100,
			Ct:             discovery.DefaultCtConfig,
		},
		Enrichment:  enrich.DefaultConfig,
		Capture:     capture.DefaultConfig,
		Pipeline:    pipeline.DefaultConfig,
		FreshWindow: generic.Duration(720 * time.Hour),
	}
}

func ReadConfig(path string) (Config, error) {
	conf := Default()
	f, err := ioutil.ReadFile(path)
	if err != nil {
		return conf, err
	}
	if err := yaml.Unmarshal(f, &conf); err != nil {
		return conf, err
	}

	if v := os.Getenv(DbPass); v != "" {
		conf.Store.Password = v
	}
	if v := os.Getenv(SentryDsn); v != "" {
		conf.Sentry.Dsn = v
	}
	if v := os.Getenv(InfluxToken); v != "" {
		conf.Store.InfluxOpts.AuthToken = v
	}

	for _, env := range []string{DbPass, SentryDsn, InfluxToken} {
		os.Setenv(env, "")
	}

	return conf, nil
}
