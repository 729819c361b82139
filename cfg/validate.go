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
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	CacheTtlSecsInvalidValueError = "the value of a caching ttl-secs knob can't be less than -1"
	CacheTtlSecsTooHighError      = "the value of a caching ttl-secs knob is too high to be supported. Max is 9223372036"

	// MaxSupportedTtlInSeconds represents the maximum multiple of seconds
	// representable by time.Duration.
	MaxSupportedTtlInSeconds = math.MaxInt64 / int64(time.Second)
)

func isValidLogRotateConfig(config *LogRotateLoggingConfig) error {
	if config.MaxFileSizeMb <= 0 {
		return fmt.Errorf("max-file-size-mb should be atleast 1")
	}
	if config.BackupFileCount < 0 {
		return fmt.Errorf("backup-file-count should be 0 (to retain all backup files) or a positive value")
	}
	return nil
}

func isValidCachingConfig(c *CachingConfig) error {
	for _, ttl := range []int64{c.EntryTtlSecs, c.AttributeTtlSecs} {
		if ttl < -1 {
			return fmt.Errorf(CacheTtlSecsInvalidValueError)
		}
		if ttl > MaxSupportedTtlInSeconds {
			return fmt.Errorf(CacheTtlSecsTooHighError)
		}
	}
	return nil
}

func isValidPageCacheConfig(c *PageCacheConfig) error {
	if c.EvictionHighWatermarkMb < 0 || c.EvictionLowWatermarkMb < 0 {
		return fmt.Errorf("eviction watermarks must be non-negative")
	}
	if c.EvictionHighWatermarkMb > 0 && c.EvictionLowWatermarkMb >= c.EvictionHighWatermarkMb {
		return fmt.Errorf("eviction-low-watermark-mb must be below eviction-high-watermark-mb")
	}
	return nil
}

func isValidAuthorityConfig(c *AuthorityConfig) error {
	if !c.UseFake && c.SocketPath == "" {
		return fmt.Errorf("authority socket-path is required unless use-fake is set")
	}
	return nil
}

// ValidateConfig returns a non-nil error if the config is invalid.
func ValidateConfig(config *Config) error {
	if err := validator.New().Struct(config); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := isValidLogRotateConfig(&config.Logging.LogRotate); err != nil {
		return fmt.Errorf("error parsing log-rotate config: %w", err)
	}

	if err := isValidCachingConfig(&config.Caching); err != nil {
		return fmt.Errorf("error parsing caching config: %w", err)
	}

	if err := isValidPageCacheConfig(&config.PageCache); err != nil {
		return fmt.Errorf("error parsing page-cache config: %w", err)
	}

	if err := isValidAuthorityConfig(&config.Authority); err != nil {
		return fmt.Errorf("error parsing authority config: %w", err)
	}

	return nil
}
