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

package zaychikd

import (
	"context"
	"errors"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"ZaychikServer/internal/agent"
	"ZaychikServer/internal/config"
	"ZaychikServer/internal/util"
)

var (
	FlagConfigFilePath string
	FlagDebugLevel     string
)

var RootCmd = &cobra.Command{
	Use:     "zaychikd",
	Short:   "zaychikd controls the power and cooling of a cluster",
	Args:    cobra.ExactArgs(0),
	Version: util.Version(),
	Run: func(cmd *cobra.Command, args []string) {
		util.DetectNetworkProxy()

		cfg, err := config.LoadConfig(FlagConfigFilePath)
		if err != nil {
			log.Errorf("Failed to load config %s: %v", FlagConfigFilePath, err)
			os.Exit(util.ErrorCmdArg)
		}

		level := cfg.Server.LogLevel
		if cmd.Flags().Changed("debug-level") {
			level = FlagDebugLevel
		}
		if err := util.InitLogger(level, cfg.Server.LogFile); err != nil {
			log.Errorf("Failed to init logger: %v", err)
			os.Exit(util.ErrorCmdArg)
		}
		config.PrintConfig(cfg)

		d, err := NewDaemon(context.Background(), cfg)
		if err != nil {
			log.Errorf("Failed to start zaychikd: %v", err)
			var setupErr *agent.SetupError
			if errors.As(err, &setupErr) {
				os.Exit(util.ErrorSetup)
			}
			os.Exit(util.ErrorGeneric)
		}

		l, err := net.Listen("tcp", cfg.Server.ListenAddress)
		if err != nil {
			log.Errorf("Failed to listen on %s: %v", cfg.Server.ListenAddress, err)
			os.Exit(util.ErrorGeneric)
		}
		d.Launch(l)

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infof("Received %v, exiting...", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := d.Shutdown(ctx); err != nil {
			log.Errorf("Failed to shut down cleanly: %v", err)
			os.Exit(util.ErrorGeneric)
		}
	},
}

func init() {
	RootCmd.SetVersionTemplate(util.VersionTemplate())
	RootCmd.Flags().StringVarP(&FlagConfigFilePath, "config", "c", util.DefaultConfigPath, "Path to configuration file")
	RootCmd.Flags().StringVarP(&FlagDebugLevel, "debug-level", "", "", "Override log level (trace, debug, info, warn, error)")
}

func ParseCmdArgs() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(util.ErrorGeneric)
	}
}
