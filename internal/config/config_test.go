package config

import "testing"

func TestParseMasterConfig_Defaults(t *testing.T) {
	cfg, err := ParseMasterConfig("master", []string{
		"--master-tc", "127.0.0.1:5555",
		"--slave", "10.0.0.2",
	})
	if err != nil {
		t.Fatalf("ParseMasterConfig: %v", err)
	}
	if cfg.TriggerPort != DefaultTriggerPort || cfg.CommandPort != DefaultCommandPort {
		t.Fatalf("expected default ports, got %+v", cfg)
	}
	if len(cfg.Channels) != 1 || cfg.Channels[0] != 1 {
		t.Fatalf("expected default channel [1], got %v", cfg.Channels)
	}
	if cfg.DurationSec != 1.0 {
		t.Fatalf("expected default duration 1.0, got %v", cfg.DurationSec)
	}
}

func TestParseMasterConfig_ChannelList(t *testing.T) {
	cfg, err := ParseMasterConfig("master", []string{
		"--master-tc", "127.0.0.1:5555",
		"--slave", "10.0.0.2",
		"--channels", "1,2,3",
		"--duration", "5.5",
	})
	if err != nil {
		t.Fatalf("ParseMasterConfig: %v", err)
	}
	want := []int32{1, 2, 3}
	if len(cfg.Channels) != len(want) {
		t.Fatalf("expected %v, got %v", want, cfg.Channels)
	}
	for i := range want {
		if cfg.Channels[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, cfg.Channels)
		}
	}
	if cfg.DurationSec != 5.5 {
		t.Fatalf("expected duration 5.5, got %v", cfg.DurationSec)
	}
}

func TestParseMasterConfig_MissingRequired(t *testing.T) {
	if _, err := ParseMasterConfig("master", []string{"--slave", "10.0.0.2"}); err == nil {
		t.Fatalf("expected error for missing --master-tc")
	}
	if _, err := ParseMasterConfig("master", []string{"--master-tc", "127.0.0.1:5555"}); err == nil {
		t.Fatalf("expected error for missing --slave")
	}
}

func TestParseMasterConfig_InvalidDuration(t *testing.T) {
	_, err := ParseMasterConfig("master", []string{
		"--master-tc", "127.0.0.1:5555",
		"--slave", "10.0.0.2",
		"--duration", "0",
	})
	if err == nil {
		t.Fatalf("expected error for non-positive duration")
	}
}

func TestParseSlaveConfig_Defaults(t *testing.T) {
	cfg, err := ParseSlaveConfig("slave", []string{
		"--slave-tc", "127.0.0.1:5555",
		"--master-address", "10.0.0.1",
	})
	if err != nil {
		t.Fatalf("ParseSlaveConfig: %v", err)
	}
	if cfg.SyncPort != DefaultSyncPort || cfg.FilePort != DefaultFilePort {
		t.Fatalf("expected default ports, got %+v", cfg)
	}
}

func TestParseSlaveConfig_MissingRequired(t *testing.T) {
	if _, err := ParseSlaveConfig("slave", []string{"--master-address", "10.0.0.1"}); err == nil {
		t.Fatalf("expected error for missing --slave-tc")
	}
}

func TestParseMasterConfig_SessionLogDir(t *testing.T) {
	cfg, err := ParseMasterConfig("master", []string{
		"--master-tc", "127.0.0.1:5555",
		"--slave", "10.0.0.2",
		"--session-log-dir", "/var/log/tssync",
	})
	if err != nil {
		t.Fatalf("ParseMasterConfig: %v", err)
	}
	if cfg.SessionLogDir != "/var/log/tssync" {
		t.Fatalf("expected session log dir to be set, got %q", cfg.SessionLogDir)
	}
}

func TestParseSlaveConfig_SessionLogDir(t *testing.T) {
	cfg, err := ParseSlaveConfig("slave", []string{
		"--slave-tc", "127.0.0.1:5555",
		"--master-address", "10.0.0.1",
		"--session-log-dir", "/var/log/tssync",
	})
	if err != nil {
		t.Fatalf("ParseSlaveConfig: %v", err)
	}
	if cfg.SessionLogDir != "/var/log/tssync" {
		t.Fatalf("expected session log dir to be set, got %q", cfg.SessionLogDir)
	}
}

func TestStreamPort(t *testing.T) {
	if got := StreamPort(3); got != StreamBasePort+3 {
		t.Fatalf("expected %d, got %d", StreamBasePort+3, got)
	}
}

func TestParseChannels_InvalidEntry(t *testing.T) {
	if _, err := parseChannels("1,x,3"); err == nil {
		t.Fatalf("expected error for non-numeric channel id")
	}
}
