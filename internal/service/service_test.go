package service

import (
	"testing"

	"github.com/lanthost/agent/internal/config"
	"github.com/lanthost/agent/internal/errcode"
	"github.com/lanthost/agent/internal/ipc"
	"github.com/lanthost/agent/internal/settings"
	"github.com/lanthost/agent/internal/wire"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	cfg := config.Default()
	cfg.ReactorMailboxSize = 8
	store, err := settings.Open(t.TempDir() + "/settings.yaml")
	if err != nil {
		t.Fatalf("settings.Open: %v", err)
	}
	return New(cfg, store)
}

func ackOf(t *testing.T, s *Service, m *wire.OpenConnection) *wire.OpenConnectionAck {
	t.Helper()
	var acked *wire.OpenConnectionAck
	s.sendRend = func(msg wire.Message) {
		ack, ok := msg.(*wire.OpenConnectionAck)
		if !ok {
			t.Fatalf("expected OpenConnectionAck, got %T", msg)
		}
		acked = ack
	}
	s.onOpenConnection(m)
	if acked == nil {
		t.Fatal("onOpenConnection did not send an ack")
	}
	return acked
}

func TestOnOpenConnectionRejectsLowClientVersion(t *testing.T) {
	s := newTestService(t)
	ack := ackOf(t, s, &wire.OpenConnection{ClientVersion: 0, RequiredVersion: 1})
	if ack.ErrCode != errcode.ClientVersionTooLow {
		t.Fatalf("ErrCode = %v, want ClientVersionTooLow", ack.ErrCode)
	}
}

func TestOnOpenConnectionRejectsWhenHostTooOld(t *testing.T) {
	s := newTestService(t)
	ack := ackOf(t, s, &wire.OpenConnection{ClientVersion: 100, RequiredVersion: 100})
	if ack.ErrCode != errcode.HostVersionTooLow {
		t.Fatalf("ErrCode = %v, want HostVersionTooLow", ack.ErrCode)
	}
}

func TestOnOpenConnectionRejectsInvalidAccessToken(t *testing.T) {
	s := newTestService(t)
	s.accessToken = "correct"
	ack := ackOf(t, s, &wire.OpenConnection{
		ClientVersion: 1, RequiredVersion: 1, AccessToken: "wrong",
	})
	if ack.ErrCode != errcode.AccessCodeInvalid {
		t.Fatalf("ErrCode = %v, want AccessCodeInvalid", ack.ErrCode)
	}
}

func TestOnOpenConnectionRejectsWhenAppOfflineAndNoCookie(t *testing.T) {
	s := newTestService(t)
	s.accessToken = "tok"
	ack := ackOf(t, s, &wire.OpenConnection{
		ClientVersion: 1, RequiredVersion: 1, AccessToken: "tok", ClientDeviceID: 42,
	})
	if ack.ErrCode != errcode.AppNotOnline {
		t.Fatalf("ErrCode = %v, want AppNotOnline", ack.ErrCode)
	}
}

func TestOnOpenConnectionPendingBlocksSecondRequest(t *testing.T) {
	s := newTestService(t)
	s.accessToken = "tok"
	s.confirmPending[1] = true
	ack := ackOf(t, s, &wire.OpenConnection{
		ClientVersion: 1, RequiredVersion: 1, AccessToken: "tok", ClientDeviceID: 2,
	})
	if ack.ErrCode != errcode.ServingAnotherClient {
		t.Fatalf("ErrCode = %v, want ServingAnotherClient", ack.ErrCode)
	}
}

func TestOnAppConfirmConnectionRejectDoesNotAdmit(t *testing.T) {
	s := newTestService(t)
	s.confirmPending[7] = true
	s.pendingOpenConnection = &wire.OpenConnection{ClientDeviceID: 7}

	var acked *wire.OpenConnectionAck
	s.sendRend = func(msg wire.Message) { acked = msg.(*wire.OpenConnectionAck) }

	s.onAppConfirmConnection(ipc.ConfirmConnectionResult{PeerDeviceID: 7, Decision: ipc.DecisionReject})

	if acked == nil || acked.ErrCode != errcode.UserReject {
		t.Fatalf("expected UserReject ack, got %+v", acked)
	}
	if s.pendingOpenConnection != nil {
		t.Fatal("pendingOpenConnection should be cleared")
	}
	if s.confirmPending[7] {
		t.Fatal("confirmPending entry should be cleared")
	}
}

// TestOnAppConfirmConnectionAgreeNextTimePersistsCookie covers S1's cookie
// side effect: an AgreeNextTime decision must persist the peer's cookie
// before admission proceeds, independent of whether admission itself
// succeeds (this test's pending OpenConnection offers no video codec, so
// workersession.New rejects it and admission's own failure path is
// exercised but not asserted on here).
func TestOnAppConfirmConnectionAgreeNextTimePersistsCookie(t *testing.T) {
	s := newTestService(t)
	s.confirmPending[42] = true
	s.pendingOpenConnection = &wire.OpenConnection{ClientDeviceID: 42, Cookie: "c1"}
	s.sendRend = func(msg wire.Message) {}

	s.onAppConfirmConnection(ipc.ConfirmConnectionResult{PeerDeviceID: 42, Decision: ipc.DecisionAgreeNextTime})

	got, ok := s.store.Get(settings.PeerCookieKey(42))
	if !ok || got != "c1" {
		t.Fatalf("cookie not persisted: got=%q ok=%v, want %q", got, ok, "c1")
	}
	if s.pendingOpenConnection != nil {
		t.Fatal("pendingOpenConnection should be cleared")
	}
	if s.confirmPending[42] {
		t.Fatal("confirmPending entry should be cleared")
	}
}
