// Copyright 2024 The scopefs Authors
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

package cfg

import (
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	AppName string `yaml:"app-name"`

	Foreground bool `yaml:"foreground"`

	Authority AuthorityConfig `yaml:"authority"`

	Caching CachingConfig `yaml:"caching"`

	Debug DebugConfig `yaml:"debug"`

	FileSystem FileSystemConfig `yaml:"file-system"`

	Logging LoggingConfig `yaml:"logging"`

	Metrics MetricsConfig `yaml:"metrics"`

	PageCache PageCacheConfig `yaml:"page-cache"`
}

type AuthorityConfig struct {
	SocketPath ResolvedPath `yaml:"socket-path"`

	RequestTimeout time.Duration `yaml:"request-timeout" validate:"gte=0"`

	// UseFake replaces the authority connection with a permit-everything
	// in-process stub. Development only.
	UseFake bool `yaml:"use-fake"`
}

type CachingConfig struct {
	EntryTtlSecs int64 `yaml:"entry-ttl-secs" validate:"gte=-1"`

	AttributeTtlSecs int64 `yaml:"attribute-ttl-secs" validate:"gte=-1"`
}

type DebugConfig struct {
	ExitOnInvariantViolation bool `yaml:"exit-on-invariant-violation"`

	LogMutex bool `yaml:"log-mutex"`
}

type FileSystemConfig struct {
	FuseOptions []string `yaml:"fuse-options"`

	FileMode Octal `yaml:"file-mode"`
}

type LoggingConfig struct {
	FilePath ResolvedPath `yaml:"file-path"`

	Severity LogSeverity `yaml:"severity"`

	Format LogFormat `yaml:"format"`

	LogRotate LogRotateLoggingConfig `yaml:"log-rotate"`
}

type LogRotateLoggingConfig struct {
	BackupFileCount int64 `yaml:"backup-file-count" validate:"gte=0"`

	Compress bool `yaml:"compress"`

	MaxFileSizeMb int64 `yaml:"max-file-size-mb" validate:"gte=1"`
}

type MetricsConfig struct {
	// PrometheusPort exposes Prometheus metrics on localhost when positive.
	PrometheusPort int64 `yaml:"prometheus-port" validate:"gte=0,lte=65535"`
}

type PageCacheConfig struct {
	EvictionHighWatermarkMb int64 `yaml:"eviction-high-watermark-mb" validate:"gte=0"`

	EvictionLowWatermarkMb int64 `yaml:"eviction-low-watermark-mb" validate:"gte=0"`
}

func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.StringP("app-name", "", "", "The application name of this mount.")

	err = viper.BindPFlag("app-name", flagSet.Lookup("app-name"))
	if err != nil {
		return err
	}

	flagSet.BoolP("foreground", "", false, "Stay in the foreground after mounting.")

	err = viper.BindPFlag("foreground", flagSet.Lookup("foreground"))
	if err != nil {
		return err
	}

	flagSet.StringP("authority-socket", "", "/run/scopefs/authority.sock", "Unix socket the metadata authority listens on.")

	err = viper.BindPFlag("authority.socket-path", flagSet.Lookup("authority-socket"))
	if err != nil {
		return err
	}

	flagSet.DurationP("authority-timeout", "", 5*time.Second, "Per-request deadline for authority calls. Zero disables the deadline.")

	err = viper.BindPFlag("authority.request-timeout", flagSet.Lookup("authority-timeout"))
	if err != nil {
		return err
	}

	flagSet.BoolP("fake-authority", "", false, "Use an in-process permit-everything authority instead of connecting to the socket. Development only.")

	err = viper.BindPFlag("authority.use-fake", flagSet.Lookup("fake-authority"))
	if err != nil {
		return err
	}

	flagSet.Int64P("entry-ttl-secs", "", 0, "How long the kernel may cache name-to-inode mappings, in seconds. 0 disables caching, -1 means cache forever.")

	err = viper.BindPFlag("caching.entry-ttl-secs", flagSet.Lookup("entry-ttl-secs"))
	if err != nil {
		return err
	}

	flagSet.Int64P("attribute-ttl-secs", "", 0, "How long the kernel may cache inode attributes, in seconds. 0 disables caching, -1 means cache forever.")

	err = viper.BindPFlag("caching.attribute-ttl-secs", flagSet.Lookup("attribute-ttl-secs"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_invariants", "", false, "Exit when internal invariants are violated.")

	err = viper.BindPFlag("debug.exit-on-invariant-violation", flagSet.Lookup("debug_invariants"))
	if err != nil {
		return err
	}

	flagSet.BoolP("debug_mutex", "", false, "Print debug messages when a mutex is held too long.")

	err = viper.BindPFlag("debug.log-mutex", flagSet.Lookup("debug_mutex"))
	if err != nil {
		return err
	}

	flagSet.StringArrayP("o", "o", nil, "Additional system-specific mount options. Be careful!")

	err = viper.BindPFlag("file-system.fuse-options", flagSet.Lookup("o"))
	if err != nil {
		return err
	}

	flagSet.StringP("file-mode", "", "0644", "Permissions bits for created files, in octal.")

	err = viper.BindPFlag("file-system.file-mode", flagSet.Lookup("file-mode"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-file", "", "", "The file for storing logs. When not provided, logs go to stderr.")

	err = viper.BindPFlag("logging.file-path", flagSet.Lookup("log-file"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-severity", "", "info", "Specifies the logging severity expressed as one of [trace, debug, info, warning, error, off]")

	err = viper.BindPFlag("logging.severity", flagSet.Lookup("log-severity"))
	if err != nil {
		return err
	}

	flagSet.StringP("log-format", "", "json", "The format of the log file: 'text' or 'json'.")

	err = viper.BindPFlag("logging.format", flagSet.Lookup("log-format"))
	if err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-backup-file-count", "", 10, "The maximum number of backup log files to retain. 0 retains all backup files.")

	err = viper.BindPFlag("logging.log-rotate.backup-file-count", flagSet.Lookup("log-rotate-backup-file-count"))
	if err != nil {
		return err
	}

	flagSet.BoolP("log-rotate-compress", "", true, "Controls whether rotated log files should be compressed using gzip.")

	err = viper.BindPFlag("logging.log-rotate.compress", flagSet.Lookup("log-rotate-compress"))
	if err != nil {
		return err
	}

	flagSet.Int64P("log-rotate-max-file-size-mb", "", 512, "The maximum size in megabytes a log file may reach before it is rotated.")

	err = viper.BindPFlag("logging.log-rotate.max-file-size-mb", flagSet.Lookup("log-rotate-max-file-size-mb"))
	if err != nil {
		return err
	}

	flagSet.Int64P("prometheus-port", "", 0, "Expose Prometheus metrics on this localhost port. 0 disables the endpoint.")

	err = viper.BindPFlag("metrics.prometheus-port", flagSet.Lookup("prometheus-port"))
	if err != nil {
		return err
	}

	flagSet.Int64P("eviction-high-watermark-mb", "", 64, "Bytes read through uncached handles before page cache eviction begins, in megabytes. 0 disables eviction.")

	err = viper.BindPFlag("page-cache.eviction-high-watermark-mb", flagSet.Lookup("eviction-high-watermark-mb"))
	if err != nil {
		return err
	}

	flagSet.Int64P("eviction-low-watermark-mb", "", 32, "Accumulated-read level eviction drains down to, in megabytes.")

	err = viper.BindPFlag("page-cache.eviction-low-watermark-mb", flagSet.Lookup("eviction-low-watermark-mb"))
	if err != nil {
		return err
	}

	return nil
}
