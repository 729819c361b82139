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

package cmd

import (
	"fmt"
	"os"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/scopefs/scopefs/cfg"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "scopefs [flags] backing_dir mount_point",
	Short: "Mount a mediated view of a shared storage directory",
	Long: `scopefs re-exports a backing directory through FUSE, consulting a metadata
authority on every open, create, delete and rename so that each requesting
application sees only what it is entitled to. Byte ranges the authority marks
as redacted read back as zeroes.`,
	Version:      getVersion(),
	Args:         cobra.ExactArgs(2),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := loadConfig()
		if err != nil {
			return err
		}

		backingRoot, err := cfg.GetResolvedPath(args[0])
		if err != nil {
			return fmt.Errorf("canonicalizing backing dir: %w", err)
		}
		mountPoint, err := cfg.GetResolvedPath(args[1])
		if err != nil {
			return fmt.Errorf("canonicalizing mount point: %w", err)
		}

		return Mount(config, backingRoot, mountPoint)
	},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config-file", "", "Path to a YAML config file. Flags set on the command line win over file values.")
	if err := cfg.BindFlags(rootCmd.PersistentFlags()); err != nil {
		panic(fmt.Sprintf("binding flags: %v", err))
	}
}

// loadConfig merges the optional config file under the already-bound flags
// and materializes the result.
func loadConfig() (*cfg.Config, error) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		viper.SetConfigType("yaml")
		if err := viper.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("error while reading the config file: %w", err)
		}
	}

	var config cfg.Config
	err := viper.Unmarshal(&config, viper.DecodeHook(cfg.DecodeHook()), func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "yaml"
	})
	if err != nil {
		return nil, fmt.Errorf("error while unmarshaling the config: %w", err)
	}

	if err := cfg.ValidateConfig(&config); err != nil {
		return nil, err
	}
	return &config, nil
}
