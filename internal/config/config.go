// Package config parses and validates the command-line surface for the
// tssync master and slave binaries (spec.md §6), plus an optional YAML
// config file read before flags are applied so a daemon deployment isn't
// stuck re-typing the full flag set on every invocation.
package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlMasterConfig mirrors MasterConfig's fields in YAML's naming
// convention; zero-value fields are left for the flag set's own defaults.
type yamlMasterConfig struct {
	MasterTC        string    `yaml:"master_tc"`
	SlaveAddress    string    `yaml:"slave"`
	TriggerPort     int       `yaml:"trigger_port"`
	StatusPort      int       `yaml:"status_port"`
	FilePort        int       `yaml:"file_port"`
	CommandPort     int       `yaml:"command_port"`
	SyncPort        int       `yaml:"sync_port"`
	OutputDir       string    `yaml:"output_dir"`
	DurationSec     float64   `yaml:"duration"`
	Channels        []int32   `yaml:"channels"`
	Verbose         bool      `yaml:"verbose"`
	TextOutput      bool      `yaml:"text_output"`
	S3Bucket        string    `yaml:"s3_archive_bucket"`
	MaxTransferMbps float64   `yaml:"max_transfer_mbps"`
	Schedule        string    `yaml:"schedule"`
	SessionLogDir   string    `yaml:"session_log_dir"`
}

// yamlSlaveConfig mirrors SlaveConfig for YAML.
type yamlSlaveConfig struct {
	SlaveTC       string `yaml:"slave_tc"`
	MasterAddress string `yaml:"master_address"`
	TriggerPort   int    `yaml:"trigger_port"`
	StatusPort    int    `yaml:"status_port"`
	FilePort      int    `yaml:"file_port"`
	CommandPort   int    `yaml:"command_port"`
	SyncPort      int    `yaml:"sync_port"`
	OutputDir     string `yaml:"output_dir"`
	Verbose       bool   `yaml:"verbose"`
	TextOutput    bool   `yaml:"text_output"`
	SessionLogDir string `yaml:"session_log_dir"`
}

// Default port assignments (spec.md §6).
const (
	DefaultTCPort      = 5555
	DefaultDLTPort     = 6060
	DefaultTriggerPort = 5557
	DefaultStatusPort  = 5559
	DefaultFilePort    = 5560
	DefaultCommandPort = 5561
	DefaultSyncPort    = 5562
	StreamBasePort     = 4241
)

// MasterConfig holds the parsed CLI surface for the master node.
type MasterConfig struct {
	MasterTC        string
	SlaveAddress    string
	TriggerPort     int
	StatusPort      int
	FilePort        int
	CommandPort     int
	SyncPort        int
	OutputDir       string
	DurationSec     float64
	Channels        []int32
	Verbose         bool
	TextOutput      bool
	S3Bucket        string
	MaxTransferMbps float64
	Schedule        string
	SessionLogDir   string
}

// SlaveConfig holds the parsed CLI surface for the slave node.
type SlaveConfig struct {
	SlaveTC       string
	MasterAddress string
	TriggerPort   int
	StatusPort    int
	FilePort      int
	CommandPort   int
	SyncPort      int
	OutputDir     string
	Verbose       bool
	TextOutput    bool
	SessionLogDir string
}

// ParseMasterConfig parses the master CLI flags from args (typically
// os.Args[1:]). name is used as the flag.FlagSet name for usage output.
func ParseMasterConfig(name string, args []string) (*MasterConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	masterTC := fs.String("master-tc", "", "master TC adapter address (host:port), required")
	slave := fs.String("slave", "", "slave node address (host), required")
	triggerPort := fs.Int("trigger-port", DefaultTriggerPort, "trigger channel port")
	statusPort := fs.Int("status-port", DefaultStatusPort, "heartbeat/status channel port")
	filePort := fs.Int("file-port", DefaultFilePort, "file transfer channel port")
	commandPort := fs.Int("command-port", DefaultCommandPort, "command/response channel port")
	syncPort := fs.Int("sync-port", DefaultSyncPort, "sync/ready channel port")
	outputDir := fs.String("output-dir", ".", "directory to write output files to")
	duration := fs.Float64("duration", 1.0, "acquisition duration in seconds")
	channels := fs.String("channels", "1", "comma-separated list of channel ids")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	textOutput := fs.Bool("text-output", false, "also write a merged text file alongside the binary")
	s3Bucket := fs.String("s3-archive-bucket", "", "optional S3 bucket to archive output files to")
	maxTransferMbps := fs.Float64("max-transfer-mbps", 0, "file channel rate limit in megabits/sec; stored in the config but not applied to any transfer")
	schedule := fs.String("schedule", "", "optional cron expression to run this session repeatedly in daemon mode")
	sessionLogDir := fs.String("session-log-dir", "", "optional directory to additionally write a per-session log file under")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	chans, err := parseChannels(*channels)
	if err != nil {
		return nil, err
	}

	cfg := &MasterConfig{
		MasterTC:        *masterTC,
		SlaveAddress:    *slave,
		TriggerPort:     *triggerPort,
		StatusPort:      *statusPort,
		FilePort:        *filePort,
		CommandPort:     *commandPort,
		SyncPort:        *syncPort,
		OutputDir:       *outputDir,
		DurationSec:     *duration,
		Channels:        chans,
		Verbose:         *verbose,
		TextOutput:      *textOutput,
		S3Bucket:        *s3Bucket,
		MaxTransferMbps: *maxTransferMbps,
		Schedule:        *schedule,
		SessionLogDir:   *sessionLogDir,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseSlaveConfig parses the slave CLI flags from args.
func ParseSlaveConfig(name string, args []string) (*SlaveConfig, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)

	slaveTC := fs.String("slave-tc", "", "slave TC adapter address (host:port), required")
	masterAddr := fs.String("master-address", "", "master node address (host), required")
	triggerPort := fs.Int("trigger-port", DefaultTriggerPort, "trigger channel port")
	statusPort := fs.Int("status-port", DefaultStatusPort, "heartbeat/status channel port")
	filePort := fs.Int("file-port", DefaultFilePort, "file transfer channel port")
	commandPort := fs.Int("command-port", DefaultCommandPort, "command/response channel port")
	syncPort := fs.Int("sync-port", DefaultSyncPort, "sync/ready channel port")
	outputDir := fs.String("output-dir", ".", "directory to write output files to")
	verbose := fs.Bool("verbose", false, "enable debug logging")
	textOutput := fs.Bool("text-output", false, "also write a merged text file alongside the binary")
	sessionLogDir := fs.String("session-log-dir", "", "optional directory to additionally write a per-session log file under")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &SlaveConfig{
		SlaveTC:       *slaveTC,
		MasterAddress: *masterAddr,
		TriggerPort:   *triggerPort,
		StatusPort:    *statusPort,
		FilePort:      *filePort,
		CommandPort:   *commandPort,
		SyncPort:      *syncPort,
		OutputDir:     *outputDir,
		Verbose:       *verbose,
		TextOutput:    *textOutput,
		SessionLogDir: *sessionLogDir,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *MasterConfig) validate() error {
	if c.MasterTC == "" {
		return fmt.Errorf("--master-tc is required")
	}
	if c.SlaveAddress == "" {
		return fmt.Errorf("--slave is required")
	}
	if c.DurationSec <= 0 {
		return fmt.Errorf("--duration must be positive, got %v", c.DurationSec)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("--channels must list at least one channel")
	}
	return nil
}

func (c *SlaveConfig) validate() error {
	if c.SlaveTC == "" {
		return fmt.Errorf("--slave-tc is required")
	}
	if c.MasterAddress == "" {
		return fmt.Errorf("--master-address is required")
	}
	return nil
}

func parseChannels(s string) ([]int32, error) {
	parts := strings.Split(s, ",")
	channels := make([]int32, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid channel id %q: %w", p, err)
		}
		channels = append(channels, int32(n))
	}
	if len(channels) == 0 {
		return nil, fmt.Errorf("no channel ids parsed from %q", s)
	}
	return channels, nil
}

// StreamPort returns the dedicated Stream client port for a channel
// (spec.md §6: "stream base 4241 + channel").
func StreamPort(channel int32) int {
	return StreamBasePort + int(channel)
}

// LoadMasterConfig reads an optional YAML file at yamlPath to seed defaults,
// then parses args over it so any flag explicitly passed on the command
// line wins. An empty yamlPath skips the file entirely and behaves exactly
// like ParseMasterConfig.
func LoadMasterConfig(yamlPath, name string, args []string) (*MasterConfig, error) {
	defaults := yamlMasterConfig{
		TriggerPort: DefaultTriggerPort,
		StatusPort:  DefaultStatusPort,
		FilePort:    DefaultFilePort,
		CommandPort: DefaultCommandPort,
		SyncPort:    DefaultSyncPort,
		OutputDir:   ".",
		DurationSec: 1.0,
		Channels:    []int32{1},
	}
	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("reading master config %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(b, &defaults); err != nil {
			return nil, fmt.Errorf("parsing master config %s: %w", yamlPath, err)
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	masterTC := fs.String("master-tc", defaults.MasterTC, "master TC adapter address (host:port), required")
	slave := fs.String("slave", defaults.SlaveAddress, "slave node address (host), required")
	triggerPort := fs.Int("trigger-port", defaults.TriggerPort, "trigger channel port")
	statusPort := fs.Int("status-port", defaults.StatusPort, "heartbeat/status channel port")
	filePort := fs.Int("file-port", defaults.FilePort, "file transfer channel port")
	commandPort := fs.Int("command-port", defaults.CommandPort, "command/response channel port")
	syncPort := fs.Int("sync-port", defaults.SyncPort, "sync/ready channel port")
	outputDir := fs.String("output-dir", defaults.OutputDir, "directory to write output files to")
	duration := fs.Float64("duration", defaults.DurationSec, "acquisition duration in seconds")
	channels := fs.String("channels", joinChannels(defaults.Channels), "comma-separated list of channel ids")
	verbose := fs.Bool("verbose", defaults.Verbose, "enable debug logging")
	textOutput := fs.Bool("text-output", defaults.TextOutput, "also write a merged text file alongside the binary")
	s3Bucket := fs.String("s3-archive-bucket", defaults.S3Bucket, "optional S3 bucket to archive output files to")
	maxTransferMbps := fs.Float64("max-transfer-mbps", defaults.MaxTransferMbps, "file channel rate limit in megabits/sec; stored in the config but not applied to any transfer")
	schedule := fs.String("schedule", defaults.Schedule, "optional cron expression to run this session repeatedly in daemon mode")
	sessionLogDir := fs.String("session-log-dir", defaults.SessionLogDir, "optional directory to additionally write a per-session log file under")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	chans, err := parseChannels(*channels)
	if err != nil {
		return nil, err
	}

	cfg := &MasterConfig{
		MasterTC:        *masterTC,
		SlaveAddress:    *slave,
		TriggerPort:     *triggerPort,
		StatusPort:      *statusPort,
		FilePort:        *filePort,
		CommandPort:     *commandPort,
		SyncPort:        *syncPort,
		OutputDir:       *outputDir,
		DurationSec:     *duration,
		Channels:        chans,
		Verbose:         *verbose,
		TextOutput:      *textOutput,
		S3Bucket:        *s3Bucket,
		MaxTransferMbps: *maxTransferMbps,
		Schedule:        *schedule,
		SessionLogDir:   *sessionLogDir,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadSlaveConfig is LoadMasterConfig's slave-side counterpart.
func LoadSlaveConfig(yamlPath, name string, args []string) (*SlaveConfig, error) {
	defaults := yamlSlaveConfig{
		TriggerPort: DefaultTriggerPort,
		StatusPort:  DefaultStatusPort,
		FilePort:    DefaultFilePort,
		CommandPort: DefaultCommandPort,
		SyncPort:    DefaultSyncPort,
		OutputDir:   ".",
	}
	if yamlPath != "" {
		b, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("reading slave config %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(b, &defaults); err != nil {
			return nil, fmt.Errorf("parsing slave config %s: %w", yamlPath, err)
		}
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	slaveTC := fs.String("slave-tc", defaults.SlaveTC, "slave TC adapter address (host:port), required")
	masterAddr := fs.String("master-address", defaults.MasterAddress, "master node address (host), required")
	triggerPort := fs.Int("trigger-port", defaults.TriggerPort, "trigger channel port")
	statusPort := fs.Int("status-port", defaults.StatusPort, "heartbeat/status channel port")
	filePort := fs.Int("file-port", defaults.FilePort, "file transfer channel port")
	commandPort := fs.Int("command-port", defaults.CommandPort, "command/response channel port")
	syncPort := fs.Int("sync-port", defaults.SyncPort, "sync/ready channel port")
	outputDir := fs.String("output-dir", defaults.OutputDir, "directory to write output files to")
	verbose := fs.Bool("verbose", defaults.Verbose, "enable debug logging")
	textOutput := fs.Bool("text-output", defaults.TextOutput, "also write a merged text file alongside the binary")
	sessionLogDir := fs.String("session-log-dir", defaults.SessionLogDir, "optional directory to additionally write a per-session log file under")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &SlaveConfig{
		SlaveTC:       *slaveTC,
		MasterAddress: *masterAddr,
		TriggerPort:   *triggerPort,
		StatusPort:    *statusPort,
		FilePort:      *filePort,
		CommandPort:   *commandPort,
		SyncPort:      *syncPort,
		OutputDir:     *outputDir,
		Verbose:       *verbose,
		TextOutput:    *textOutput,
		SessionLogDir: *sessionLogDir,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func joinChannels(chs []int32) string {
	if len(chs) == 0 {
		return "1"
	}
	parts := make([]string, len(chs))
	for i, c := range chs {
		parts[i] = strconv.Itoa(int(c))
	}
	return strings.Join(parts, ",")
}
