/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pixelrisewebco/relayd/version"
)

// RootCmd provides the commandline parser root.
var RootCmd = &cobra.Command{
	Use: "relayd",
}

func init() {
	RootCmd.AddCommand(commandVersion())
}

func commandVersion() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version and exit",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Version    : %s\n", version.Version)
			fmt.Printf("Build date : %s\n", version.BuildDate)
		},
	}
}
