package mtls

import "testing"

func TestRendezvousConfigWithoutRootsUsesSystemPool(t *testing.T) {
	cfg, err := RendezvousConfig("rendezvous.example.com", nil)
	if err != nil {
		t.Fatalf("RendezvousConfig: %v", err)
	}
	if cfg.ServerName != "rendezvous.example.com" {
		t.Errorf("ServerName = %q", cfg.ServerName)
	}
	if cfg.RootCAs != nil {
		t.Error("expected nil RootCAs (system pool) when no PEM is supplied")
	}
	if len(cfg.NextProtos) == 0 {
		t.Error("expected ALPN protocols to be set")
	}
}

func TestRendezvousConfigRejectsGarbagePEM(t *testing.T) {
	_, err := RendezvousConfig("host", []byte("not a cert"))
	if err == nil {
		t.Fatal("expected error for unparseable root PEM")
	}
}

func TestIsExpiredEmptyIsFalse(t *testing.T) {
	if IsExpired("") {
		t.Error("empty expiry should not be treated as expired")
	}
}

func TestIsExpiredUnparseableIsTrue(t *testing.T) {
	if !IsExpired("not-a-date") {
		t.Error("unparseable expiry should fail closed as expired")
	}
}
