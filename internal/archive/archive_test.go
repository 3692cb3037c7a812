package archive

import (
	"strings"
	"testing"
	"time"
)

func TestSessionPrefix_IsFilesystemAndKeySafe(t *testing.T) {
	ts := time.Date(2026, 7, 29, 18, 4, 5, 123000000, time.UTC)
	got := sessionPrefix("master", ts)
	want := "master/2026-07-29T18-04-05-123"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
	if strings.Contains(got, ":") {
		t.Fatalf("session prefix must not contain ':' (invalid in S3 keys on some clients): %q", got)
	}
}

func TestObjectKey_NamespacesByPrefixAndBaseName(t *testing.T) {
	got := objectKey("master/2026-07-29T18-04-05-123", "/tmp/out/master_merged.bin")
	want := "master/2026-07-29T18-04-05-123/master_merged.bin"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
