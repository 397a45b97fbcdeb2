/**
 * Copyright (c) 2024 Peking University and Peking University
 * Changsha Institute for Computing and Digital Economy
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package zctl is the operator command line of zaychikd.
package zctl

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ZaychikServer/internal/util"
)

var (
	FlagConfigFilePath string
	FlagServerURL      string
	FlagJson           bool
	FlagConfirm        bool
	FlagNodes          string
	FlagFan            int

	client *Client

	RootCmd = &cobra.Command{
		Use:     "zctl",
		Short:   "Inspect and control the power and cooling of a zaychikd cluster",
		Version: util.Version(),
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			cfg, err := util.ParseClientConfig(FlagConfigFilePath)
			if err != nil {
				log.Error(err)
				os.Exit(util.ErrorCmdArg)
			}
			if cmd.Flags().Changed("server") {
				cfg.ServerURL = FlagServerURL
			}
			util.DetectNetworkProxy()
			client = NewClient(cfg.ServerURL, cfg.Timeout)
		},
	}

	showCmd = &cobra.Command{
		Use:   "show",
		Short: "Display cluster state",
	}
	showLimitsCmd = &cobra.Command{
		Use:     "limits",
		Aliases: []string{"limit"},
		Short:   "Display the current CPU, GPU and fan limits of every node",
		Args:    cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			exit(ShowLimits())
		},
	}
	showStaticCmd = &cobra.Command{
		Use:   "static",
		Short: "Display the hardware capabilities of every node",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			exit(ShowStatic())
		},
	}
	showStatCmd = &cobra.Command{
		Use:   "stat",
		Short: "Display live power and fan readings",
		Args:  cobra.ExactArgs(0),
		Run: func(cmd *cobra.Command, args []string) {
			exit(ShowStat())
		},
	}

	setCmd = &cobra.Command{
		Use:   "set",
		Short: "Change limits; other nodes keep their current limits",
	}
	setCPUCmd = &cobra.Command{
		Use:   "cpu CLOCK",
		Short: "Limit every core of the selected nodes to CLOCK MHz",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exit(SetCPU(args[0]))
		},
	}
	setGPUCmd = &cobra.Command{
		Use:   "gpu CLOCK",
		Short: "Limit the GPUs of the selected nodes to CLOCK MHz",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exit(SetGPU(args[0]))
		},
	}
	setFanCmd = &cobra.Command{
		Use:   "fan CURVE",
		Short: "Set the fan curve of the selected nodes, e.g. 30:20,60:50,80:100",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			exit(SetFan(args[0]))
		},
	}
)

func exit(code util.ZaychikCmdError) {
	if code != util.ErrorSuccess {
		os.Exit(code)
	}
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.PersistentFlags().StringVarP(&FlagConfigFilePath, "config", "C",
		util.DefaultClientConfigPath, "Path to configuration file")
	RootCmd.PersistentFlags().StringVarP(&FlagServerURL, "server", "s", util.DefaultServerURL,
		"URL of zaychikd, overrides the configuration file")
	RootCmd.PersistentFlags().BoolVar(&FlagJson, "json", false, "Output in JSON format")

	showCmd.AddCommand(showLimitsCmd, showStaticCmd, showStatCmd)

	setCmd.PersistentFlags().StringVarP(&FlagNodes, "nodes", "n", "",
		"Node indices to change, e.g. 0,2-3 (default all)")
	setCmd.PersistentFlags().BoolVarP(&FlagConfirm, "confirm", "y", false,
		"Proceed even if the power estimate crosses the warning threshold")
	setFanCmd.Flags().IntVarP(&FlagFan, "fan", "f", -1, "Fan index to change (default all fans)")
	setCmd.AddCommand(setCPUCmd, setGPUCmd, setFanCmd)

	RootCmd.AddCommand(showCmd, setCmd)
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorCmdArg)
	}
}
