// Copyright 2026 BWI GmbH and Solution Arsenal contributors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"go.opendefense.cloud/communicator/pkg/config"
)

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		Long:  "Validate loads the configuration file and COMMUNICATOR_* environment overrides and reports every invalid field",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			if show, _ := cmd.Flags().GetBool("print"); show {
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return fmt.Errorf("encoding configuration: %w", err)
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}

			_, err = fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return err
		},
	}

	cmd.Flags().Bool("print", false, "Print the effective configuration as YAML")

	return cmd
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}
	return config.Load(path)
}
