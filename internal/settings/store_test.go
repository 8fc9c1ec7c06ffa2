package settings

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if err := s.Set(KeyDeviceID, "123456"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok := s.Get(KeyDeviceID)
	if !ok || v != "123456" {
		t.Fatalf("Get = (%q, %v), want (123456, true)", v, ok)
	}

	if _, ok := s.MTime(KeyDeviceID); !ok {
		t.Fatal("expected mtime recorded for set key")
	}
}

func TestReopenPersistsAcrossProcesses(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s1.Set(KeyAccessToken, "tok-abc"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, ok := s2.Get(KeyAccessToken)
	if !ok || v != "tok-abc" {
		t.Fatalf("Get after reopen = (%q, %v), want (tok-abc, true)", v, ok)
	}
}

func TestHistoryRingBoundedAt20(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 25; i++ {
		if err := s.PushHistory(fmt.Sprintf("device-%d", i)); err != nil {
			t.Fatalf("PushHistory: %v", err)
		}
	}

	joined := s.History()
	parts := strings.Split(joined, ";")
	if len(parts) != maxHistory {
		t.Fatalf("history has %d entries, want %d", len(parts), maxHistory)
	}
	if parts[0] != "device-5" {
		t.Fatalf("oldest surviving entry = %q, want device-5 (first 5 evicted)", parts[0])
	}
	if parts[len(parts)-1] != "device-24" {
		t.Fatalf("newest entry = %q, want device-24", parts[len(parts)-1])
	}
}

func TestDeleteRemovesKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "settings.yaml"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	s.Set(KeyRelay, "relay.example.com")
	if err := s.Delete(KeyRelay); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(KeyRelay); ok {
		t.Fatal("expected key to be gone after Delete")
	}
}

func TestGetBoolDefaults(t *testing.T) {
	dir := t.TempDir()
	s, _ := Open(filepath.Join(dir, "settings.yaml"))
	if !s.GetBool(KeyAllowControl, true) {
		t.Fatal("expected default true when key absent")
	}
	s.SetBool(KeyAllowControl, false)
	if s.GetBool(KeyAllowControl, true) {
		t.Fatal("expected stored false to override default")
	}
}
