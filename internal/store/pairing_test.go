package store

import (
	"regexp"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kbot/internal/bus"
)

func newTestPairing(t *testing.T, ttl time.Duration) *PairingStore {
	t.Helper()
	p, err := NewPairingStore(t.TempDir(), nil, ttl)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCheckAccess_OpenByDefault(t *testing.T) {
	p := newTestPairing(t, time.Hour)

	res, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AccessAllowed {
		t.Errorf("unconfigured channel status = %q, want allowed", res.Status)
	}
}

func TestCheckAccess_ExactMatchBeatsWildcard(t *testing.T) {
	p := newTestPairing(t, time.Hour)
	if err := p.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatal(err)
	}
	if err := p.SetPolicy("discord:dm:vip", PolicyOpen); err != nil {
		t.Fatal(err)
	}

	res, err := p.CheckAccess("discord:dm:vip", "vip", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AccessAllowed {
		t.Errorf("exact open policy lost to wildcard: %q", res.Status)
	}

	res, err = p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AccessPending {
		t.Errorf("wildcard pairing_required not applied: %q", res.Status)
	}
}

func TestPairingFlow_PendingIdempotentThenApproved(t *testing.T) {
	p := newTestPairing(t, time.Hour)
	if err := p.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatal(err)
	}

	created := 0
	p.Events().On(bus.EventRequestCreated, func(args ...any) { created++ })

	first, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if first.Status != AccessPending || first.Request == nil {
		t.Fatalf("first check = %+v, want pending with request", first)
	}
	if ok, _ := regexp.MatchString(`^[A-Z0-9]{6}$`, first.Request.Code); !ok {
		t.Errorf("pairing code %q does not match ^[A-Z0-9]{6}$", first.Request.Code)
	}

	second, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if second.Request == nil || second.Request.ID != first.Request.ID || second.Request.Code != first.Request.Code {
		t.Errorf("repeated check returned a different pending record")
	}
	if created != 1 {
		t.Errorf("request:created fired %d times, want 1", created)
	}

	if _, err := p.ApproveRequest(first.Request.ID); err != nil {
		t.Fatalf("ApproveRequest: %v", err)
	}

	third, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if third.Status != AccessAllowed {
		t.Errorf("post-approval check = %q, want allowed", third.Status)
	}

	// Terminal-state invariant: resolving twice fails loudly.
	if _, err := p.ApproveRequest(first.Request.ID); !IsConflict(err) {
		t.Errorf("second approve should conflict, got %v", err)
	}
}

func TestRejectRequest_RecordsReason(t *testing.T) {
	p := newTestPairing(t, time.Hour)
	if err := p.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatal(err)
	}
	res, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}

	rejected, err := p.RejectRequest(res.Request.ID, "unknown user")
	if err != nil {
		t.Fatal(err)
	}
	if rejected.Status != RequestRejected || rejected.Reason != "unknown user" {
		t.Errorf("rejected record = %+v", rejected)
	}
	if _, err := p.RejectRequest(res.Request.ID, ""); !IsConflict(err) {
		t.Errorf("second reject should conflict, got %v", err)
	}
}

func TestApproveRequest_ByCode(t *testing.T) {
	p := newTestPairing(t, time.Hour)
	if err := p.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatal(err)
	}
	res, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}

	// Operators type the 6-char code, not the request UUID.
	approved, err := p.ApproveRequest(res.Request.Code)
	if err != nil {
		t.Fatalf("approve by code: %v", err)
	}
	if approved.ID != res.Request.ID {
		t.Errorf("approved a different request")
	}
}

func TestCleanupExpired(t *testing.T) {
	p := newTestPairing(t, 10*time.Millisecond)
	if err := p.SetPolicy("discord:dm:*", PolicyPairingRequired); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CheckAccess("discord:dm:u1", "u1", "discord"); err != nil {
		t.Fatal(err)
	}

	expired := 0
	p.Events().On(bus.EventRequestExpired, func(args ...any) { expired++ })

	time.Sleep(20 * time.Millisecond)
	n, err := p.CleanupExpired()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 || expired != 1 {
		t.Errorf("swept %d (event %d), want 1", n, expired)
	}

	// An expired request no longer satisfies the idempotence window: the
	// next check issues a fresh code.
	res, err := p.CheckAccess("discord:dm:u1", "u1", "discord")
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != AccessPending {
		t.Errorf("post-expiry check = %q, want pending", res.Status)
	}
}
