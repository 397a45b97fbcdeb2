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

package zctl

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"golang.org/x/term"

	"ZaychikServer/internal/util"
	"ZaychikServer/pkg/types"
)

var stdout io.Writer = os.Stdout

func printJSON(v any) util.ZaychikCmdError {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		log.Errorf("Failed to encode output: %v", err)
		return util.ErrorGeneric
	}
	return util.ErrorSuccess
}

// errorCode picks the exit code of a failed request.
func errorCode(err error) util.ZaychikCmdError {
	var serr *ServerError
	if errors.As(err, &serr) && serr.Rejected() {
		return util.ErrorRejected
	}
	return util.ErrorBackend
}

func ShowLimits() util.ZaychikCmdError {
	limits, err := client.GetCurrentLimits(context.Background())
	if err != nil {
		log.Errorf("Failed to get current limits: %v", err)
		return errorCode(err)
	}
	if FlagJson {
		return printJSON(limits)
	}
	PrintCurrentLimits(stdout, limits)
	return util.ErrorSuccess
}

func ShowStatic() util.ZaychikCmdError {
	info, err := client.GetStaticInfo(context.Background())
	if err != nil {
		log.Errorf("Failed to get static info: %v", err)
		return errorCode(err)
	}
	if FlagJson {
		return printJSON(info)
	}
	PrintStaticInfo(stdout, info)
	return util.ErrorSuccess
}

func ShowStat() util.ZaychikCmdError {
	stat, err := client.GetHistoryStat(context.Background())
	if err != nil {
		log.Errorf("Failed to get history stat: %v", err)
		return errorCode(err)
	}
	if FlagJson {
		return printJSON(stat)
	}
	PrintHistoryStat(stdout, stat)
	return util.ErrorSuccess
}

// confirm is swapped out in tests.
var confirm = confirmOnTerminal

// confirmOnTerminal asks whether to proceed past a warning. It refuses when
// stdin is not an interactive terminal.
func confirmOnTerminal(warning string) bool {
	if FlagJson || !term.IsTerminal(int(os.Stdin.Fd())) {
		return false
	}
	fmt.Fprintf(os.Stderr, "%s\nProceed anyway? [y/N] ", warning)
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

// apply sends a change, retrying once with confirmation when zaychikd
// only warns and the operator agrees.
func apply(what string, send func(confirmed bool) (types.ConsultResult, error)) util.ZaychikCmdError {
	res, err := send(FlagConfirm)

	var serr *ServerError
	if errors.As(err, &serr) && serr.Code == "BACKHOME_WARN_UNCONFIRMED" {
		if confirm(serr.Message) {
			res, err = send(true)
		} else {
			log.Errorf("Failed to set %s limits: %v", what, err)
			log.Error("Rerun with --confirm to proceed anyway.")
			return errorCode(err)
		}
	}
	if err != nil {
		log.Errorf("Failed to set %s limits: %v", what, err)
		return errorCode(err)
	}

	if FlagJson {
		return printJSON(res)
	}
	PrintConsultResult(stdout, what, res)
	return util.ErrorSuccess
}

func SetCPU(arg string) util.ZaychikCmdError {
	clock, err := ParseClock(arg)
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}

	ctx := context.Background()
	limits, err := client.GetCurrentLimits(ctx)
	if err != nil {
		log.Errorf("Failed to get current limits: %v", err)
		return errorCode(err)
	}
	selected, err := ParseIndexList(FlagNodes, len(limits.Nodes))
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}

	clocks := CPUClocksFor(limits, selected, clock)
	return apply("CPU", func(confirmed bool) (types.ConsultResult, error) {
		return client.SetCPUClocks(ctx, clocks, confirmed)
	})
}

func SetGPU(arg string) util.ZaychikCmdError {
	clock, err := ParseClock(arg)
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}

	ctx := context.Background()
	limits, err := client.GetCurrentLimits(ctx)
	if err != nil {
		log.Errorf("Failed to get current limits: %v", err)
		return errorCode(err)
	}
	static, err := client.GetStaticInfo(ctx)
	if err != nil {
		log.Errorf("Failed to get static info: %v", err)
		return errorCode(err)
	}
	selected, err := ParseIndexList(FlagNodes, len(limits.Nodes))
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}
	clocks, err := GPUClocksFor(limits, static, selected, clock)
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}

	return apply("GPU", func(confirmed bool) (types.ConsultResult, error) {
		return client.SetGPUClocks(ctx, clocks, confirmed)
	})
}

func SetFan(arg string) util.ZaychikCmdError {
	curve, err := ParseFanCurve(arg)
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}

	ctx := context.Background()
	limits, err := client.GetCurrentLimits(ctx)
	if err != nil {
		log.Errorf("Failed to get current limits: %v", err)
		return errorCode(err)
	}
	selected, err := ParseIndexList(FlagNodes, len(limits.Nodes))
	if err != nil {
		log.Error(err)
		return util.ErrorCmdArg
	}
	curves, err := FanCurvesFor(limits, selected, FlagFan, curve)
	if err != nil {
		log.Error(fmt.Errorf("cannot build fan curves: %w", err))
		return util.ErrorCmdArg
	}

	return apply("Fan", func(confirmed bool) (types.ConsultResult, error) {
		return client.SetFanSpeeds(ctx, curves, confirmed)
	})
}
