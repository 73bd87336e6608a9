// Copyright (C) 2025 Harborline, Inc
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, version 3.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package config aggregates configuration for the application. Each section
// is owned by its respective package.
package config

import (
	"reflect"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/harborline/filelane/internal/fleet"
	"github.com/harborline/filelane/internal/lane"
	"github.com/harborline/filelane/internal/resilience"
)

type Config struct {
	Ingest     IngestConfig      `mapstructure:"ingest"`
	Lanes      []lane.Config     `mapstructure:"lanes"`
	Scaling    ScalingConfig     `mapstructure:"scaling"`
	Fleet      fleet.Config      `mapstructure:"fleet"`
	Resilience resilience.Config `mapstructure:"resilience"`
	Worker     WorkerConfig      `mapstructure:"worker"`
	Storage    StorageConfig     `mapstructure:"storage"`
}

// IngestConfig describes the notification queue and the bucket binding that
// feeds it.
type IngestConfig struct {
	QueueURL string        `mapstructure:"queue_url"`
	QueueARN string        `mapstructure:"queue_arn"`
	Bucket   string        `mapstructure:"bucket"`
	Prefix   string        `mapstructure:"prefix"`
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// ScalingConfig maps lanes to the ECS services running their worker pools.
type ScalingConfig struct {
	Cluster  string            `mapstructure:"cluster"`
	Services map[string]string `mapstructure:"services"`
}

type WorkerConfig struct {
	DrainGrace     time.Duration `mapstructure:"drain_grace"`
	ReceiveWait    time.Duration `mapstructure:"receive_wait"`
	StatsRetention time.Duration `mapstructure:"stats_retention"`
}

// StorageConfig names the bucket processed artifacts are written to.
type StorageConfig struct {
	ArtifactBucket string `mapstructure:"artifact_bucket"`
}

// Load reads configuration from config.yaml and environment variables.
// Environment variables use the prefix "FILELANE" and the dot character in
// keys is replaced by an underscore, so "ingest.queue_url" becomes
// "FILELANE_INGEST_QUEUE_URL".
func Load() (*Config, error) {
	cfg := &Config{
		Lanes:      DefaultLanes(),
		Fleet:      fleet.DefaultConfig(),
		Resilience: resilience.DefaultConfig(),
		Ingest: IngestConfig{
			DedupTTL: 15 * time.Minute,
		},
		Worker: WorkerConfig{
			DrainGrace:     30 * time.Second,
			ReceiveWait:    20 * time.Second,
			StatsRetention: 7 * 24 * time.Hour,
		},
	}

	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(".")
	v.SetEnvPrefix("FILELANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvs(v, cfg)
	_ = v.ReadInConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Lane returns the configuration for one lane, if present.
func (c *Config) Lane(id lane.ID) (lane.Config, bool) {
	for _, lc := range c.Lanes {
		if lc.ID == id {
			return lc, true
		}
	}
	return lane.Config{}, false
}

// bindEnvs registers all keys within cfg so that viper will look up
// corresponding environment variables when unmarshalling.
func bindEnvs(v *viper.Viper, cfg any, parts ...string) {
	val := reflect.ValueOf(cfg)
	typ := reflect.TypeOf(cfg)
	if typ.Kind() == reflect.Ptr {
		val = val.Elem()
		typ = typ.Elem()
	}
	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		tag := f.Tag.Get("mapstructure")
		if tag == "" {
			tag = strings.ToLower(f.Name)
		}
		key := append(parts, tag)
		if f.Type.Kind() == reflect.Struct {
			bindEnvs(v, val.Field(i).Interface(), key...)
			continue
		}
		_ = v.BindEnv(strings.Join(key, "."))
	}
}
