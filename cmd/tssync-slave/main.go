// Command tssync-slave runs the slave side of a two-node timestamp
// acquisition session: it answers the master's readiness handshake, waits
// for the trigger, runs its local acquisition in lock-step with the
// master's duration, and serves partial/full/text data back on request.
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/nishisan-dev/tssync/internal/config"
	"github.com/nishisan-dev/tssync/internal/dltadapter"
	"github.com/nishisan-dev/tssync/internal/logging"
	"github.com/nishisan-dev/tssync/internal/model"
	"github.com/nishisan-dev/tssync/internal/netlink"
	"github.com/nishisan-dev/tssync/internal/session"
	"github.com/nishisan-dev/tssync/internal/tcadapter"
)

const dialTimeout = 5 * time.Second

func main() {
	configPath, rest := extractConfigFlag(os.Args[1:])
	cfg, err := config.LoadSlaveConfig(configPath, "tssync-slave", rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing config: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if cfg.Verbose {
		level = "debug"
	}
	logger, closer := logging.NewLogger(level, "json", "")
	defer closer.Close()

	tc, err := tcadapter.Dial(cfg.SlaveTC, dialTimeout)
	if err != nil {
		logger.Error("dialing slave TC", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	dlt := dialDLT(cfg.SlaveTC, logger)
	if dlt != nil {
		defer dlt.Close()
	}

	sessionCfg := session.SlaveConfig{
		TC:         tc,
		DLT:        dlt,
		TCAddress:  cfg.SlaveTC,
		StreamHost: "0.0.0.0",
		// The channel list carried by the master's trigger frame takes
		// precedence; Channels is used only when the trigger carries none.
		Channels:   defaultSlaveChannels(),
		SubCount:   0,
		OutputDir:  cfg.OutputDir,
		TextOutput: cfg.TextOutput,
		MasterHost: cfg.MasterAddress,
		Ports: netlink.Ports{
			Trigger: cfg.TriggerPort,
			Command: cfg.CommandPort,
			Sync:    cfg.SyncPort,
			File:    cfg.FilePort,
			Status:  cfg.StatusPort,
		},
		DialTimeout:   dialTimeout,
		Logger:        logger,
		SessionLogDir: cfg.SessionLogDir,
	}

	sc, err := session.NewSlaveController(sessionCfg)
	if err != nil {
		logger.Error("creating slave controller", "error", err)
		os.Exit(1)
	}
	defer sc.Close()

	var progress *session.ProgressReporter
	if cfg.Verbose {
		progress = session.NewProgressReporter("slave", sc.Tracker())
		defer progress.Stop()
	}

	if err := sc.Run(); err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}

// defaultSlaveChannels is the channel set the slave acquires on (stream
// and fallback paths alike) when the trigger frame carries no channel
// list; otherwise the list comes from the trigger frame itself (spec.md
// §4.6.1 step 4).
func defaultSlaveChannels() []model.ChannelID {
	return []model.ChannelID{1, 2, 3, 4}
}

// dialDLT connects to the local DLT instance colocated with the TC at
// tcAddress's host, on the conventional DLT port. A dial failure degrades
// to the direct-TC-polling fallback path rather than aborting the session.
func dialDLT(tcAddress string, logger interface {
	Warn(string, ...any)
}) *dltadapter.Adapter {
	host, _, err := net.SplitHostPort(tcAddress)
	if err != nil {
		host = tcAddress
	}
	dltAddr := net.JoinHostPort(host, strconv.Itoa(config.DefaultDLTPort))
	dlt, err := dltadapter.Dial(dltAddr, dialTimeout)
	if err != nil {
		logger.Warn("dialing local DLT failed, falling back to direct TC polling", "address", dltAddr, "error", err)
		return nil
	}
	return dlt
}

// extractConfigFlag pulls a leading --config/-config value out of args
// before the rest are handed to the flag.FlagSet that parses everything
// else, since the config path itself decides the YAML defaults flags are
// parsed against.
func extractConfigFlag(args []string) (string, []string) {
	var configPath string
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--config" || arg == "-config" {
			if i+1 < len(args) {
				configPath = args[i+1]
				i++
			}
			continue
		}
		rest = append(rest, arg)
	}
	return configPath, rest
}
