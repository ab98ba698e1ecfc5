/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2025 Pixelrise Webco and its licensors
 */

package main

import (
	"fmt"
	"os"

	"github.com/pixelrisewebco/relayd/cmd"
	"github.com/pixelrisewebco/relayd/cmd/relayd/common"
	"github.com/pixelrisewebco/relayd/cmd/relayd/gen"
	"github.com/pixelrisewebco/relayd/cmd/relayd/genkey"
	"github.com/pixelrisewebco/relayd/cmd/relayd/sendmail"
	"github.com/pixelrisewebco/relayd/cmd/relayd/serve"
	"github.com/pixelrisewebco/relayd/cmd/relayd/status"
)

func main() {
	cmd.RootCmd.Use = "relayd"

	cmd.RootCmd.PersistentFlags().StringVarP(&common.DefaultEnvConfigFile, "config", "c", common.DefaultEnvConfigFile, "Full path to config file")

	cmd.RootCmd.AddCommand(serve.CommandServe())
	cmd.RootCmd.AddCommand(status.CommandStatus())
	cmd.RootCmd.AddCommand(sendmail.CommandSendmail())
	cmd.RootCmd.AddCommand(genkey.CommandGenKey())
	cmd.RootCmd.AddCommand(gen.CommandGen())

	gen.DefaultRootUse = "relayd"

	if err := cmd.RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}
