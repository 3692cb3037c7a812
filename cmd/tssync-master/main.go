// Command tssync-master runs the master side of a two-node timestamp
// acquisition session: it drives the trigger, runs its own local
// acquisition in lock-step with the slave's, pulls the slave's data back
// over the peer link and writes the synchronised, offset-corrected output.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/nishisan-dev/tssync/internal/archive"
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
	cfg, err := config.LoadMasterConfig(configPath, "tssync-master", rest)
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

	tc, err := tcadapter.Dial(cfg.MasterTC, dialTimeout)
	if err != nil {
		logger.Error("dialing master TC", "error", err)
		os.Exit(1)
	}
	defer tc.Close()

	dlt := dialDLT(cfg.MasterTC, logger)
	if dlt != nil {
		defer dlt.Close()
	}

	channels := make([]model.ChannelID, len(cfg.Channels))
	for i, c := range cfg.Channels {
		channels[i] = model.ChannelID(c)
	}

	sessionCfg := session.MasterConfig{
		TC:          tc,
		DLT:         dlt,
		TCAddress:   cfg.MasterTC,
		StreamHost:  "0.0.0.0",
		Channels:    channels,
		DurationSec: cfg.DurationSec,
		SubCount:    0,
		Infinite:    true,
		OutputDir:   cfg.OutputDir,
		TextOutput:  cfg.TextOutput,
		SlaveHost:   cfg.SlaveAddress,
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

	runFn := func(sequence uint32) error {
		return runSession(sessionCfg, cfg.S3Bucket, cfg.Verbose, sequence, logger)
	}

	if cfg.Schedule != "" {
		if err := session.RunDaemon(cfg.Schedule, logger, runFn); err != nil {
			logger.Error("daemon error", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := runFn(1); err != nil {
		logger.Error("session failed", "error", err)
		os.Exit(1)
	}
}

func runSession(sessionCfg session.MasterConfig, s3Bucket string, verbose bool, sequence uint32, logger interface {
	Warn(string, ...any)
}) error {
	mc, err := session.NewMasterController(sessionCfg)
	if err != nil {
		return fmt.Errorf("creating master controller: %w", err)
	}
	defer mc.Close()

	var progress *session.ProgressReporter
	if verbose {
		progress = session.NewProgressReporter("master", mc.Tracker())
		defer progress.Stop()
	}

	result, err := mc.Run(sequence)
	if err != nil {
		return err
	}

	if s3Bucket != "" {
		archiveSession(s3Bucket, result, logger)
	}
	return nil
}

func archiveSession(bucket string, result session.MasterResult, logger interface {
	Warn(string, ...any)
}) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	up, err := archive.NewUploader(ctx, bucket)
	if err != nil {
		logger.Warn("archive: could not initialise S3 uploader", "error", err)
		return
	}
	files := []string{result.Outputs.BinaryPath, result.Outputs.TextPath, result.ReportPath, result.CorrectedPath}
	if _, err := up.UploadSession(ctx, "master", files); err != nil {
		logger.Warn("archive: uploading session output failed", "error", err)
	}
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
