package auth

import (
	"strconv"
	"testing"
	"time"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func signedToken(secret, iss, aud, jti, sub string, iat, exp int64) string {
	sig := signTokenFields(secret, iss, aud, jti, sub, strconv.FormatInt(iat, 10), strconv.FormatInt(exp, 10))
	return "Bearer iss=" + iss + ";aud=" + aud + ";jti=" + jti + ";sub=" + sub +
		";iat=" + strconv.FormatInt(iat, 10) + ";exp=" + strconv.FormatInt(exp, 10) + ";sig=" + sig
}

func TestAuthenticateLocalTrusted(t *testing.T) {
	p := New()
	cfg := Config{AuthMode: ModeLocalTrusted}

	ctx, err := p.Authenticate(cfg, "127.0.0.1", nil, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if ctx.Principal != "local" {
		t.Errorf("Principal = %q, want %q", ctx.Principal, "local")
	}
}

func TestBindModeLocalOnlyRejectsRemote(t *testing.T) {
	p := New()
	cfg := Config{AuthMode: ModeLocalTrusted, BindMode: "local_only"}

	_, err := p.Authenticate(cfg, "203.0.113.5", nil, nil)
	if err == nil {
		t.Fatal("expected remote bind to be rejected")
	}

	rerr, ok := err.(*rpcerr.Error)
	if !ok || rerr.Code != rpcerr.CodeRemoteBindDisallowed {
		t.Errorf("error = %v, want code %s", err, rpcerr.CodeRemoteBindDisallowed)
	}
}

func TestAuthenticateTokenValid(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	p := New()
	p.now = fixedClock(now)

	cfg := Config{
		AuthMode:          ModeToken,
		TokenSharedSecret: "shh",
		SkewMS:            60_000,
	}

	header := map[string][]string{
		"Authorization": {signedToken("shh", "issuer", "audience", "jti-1", "alice", now.Unix()-10, now.Unix()+300)},
	}

	ctx, err := p.Authenticate(cfg, "10.0.0.1", header, nil)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if ctx.Principal != "alice" {
		t.Errorf("Principal = %q, want %q", ctx.Principal, "alice")
	}
}

func TestAuthenticateTokenReplay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	p := New()
	p.now = fixedClock(now)

	cfg := Config{AuthMode: ModeToken, TokenSharedSecret: "shh", SkewMS: 60_000}

	header := map[string][]string{
		"Authorization": {signedToken("shh", "issuer", "audience", "jti-replay", "alice", now.Unix()-10, now.Unix()+300)},
	}

	if _, err := p.Authenticate(cfg, "10.0.0.1", header, nil); err != nil {
		t.Fatalf("first Authenticate: %v", err)
	}

	_, err := p.Authenticate(cfg, "10.0.0.1", header, nil)
	if err == nil {
		t.Fatal("expected replayed jti to be rejected")
	}

	rerr, ok := err.(*rpcerr.Error)
	if !ok || rerr.Code != rpcerr.CodeTokenReplayed {
		t.Errorf("error = %v, want code %s", err, rpcerr.CodeTokenReplayed)
	}
}

func TestAuthenticateTokenBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	p := New()
	p.now = fixedClock(now)

	cfg := Config{AuthMode: ModeToken, TokenSharedSecret: "shh", SkewMS: 60_000}

	header := map[string][]string{
		"Authorization": {signedToken("wrong-secret", "issuer", "audience", "jti-2", "alice", now.Unix()-10, now.Unix()+300)},
	}

	_, err := p.Authenticate(cfg, "10.0.0.1", header, nil)
	if err == nil {
		t.Fatal("expected bad signature to be rejected")
	}
}

func TestAuthenticateMTLSRequiresCert(t *testing.T) {
	p := New()
	cfg := Config{AuthMode: ModeMTLS, RequireClientCert: true}

	_, err := p.Authenticate(cfg, "10.0.0.1", nil, &TransportAuthContext{ClientCertPresent: false})
	if err == nil {
		t.Fatal("expected missing client cert to be rejected")
	}
}

func TestAuthenticateMTLSAllowedSAN(t *testing.T) {
	p := New()
	cfg := Config{AuthMode: ModeMTLS, AllowedSAN: "node-1.mesh"}

	_, err := p.Authenticate(cfg, "10.0.0.1", nil, &TransportAuthContext{
		ClientCertPresent: true,
		ClientSubject:     "node-1",
		ClientSANs:        []string{"node-2.mesh"},
	})
	if err == nil {
		t.Fatal("expected mismatched SAN to be rejected")
	}

	ctx, err := p.Authenticate(cfg, "10.0.0.1", nil, &TransportAuthContext{
		ClientCertPresent: true,
		ClientSubject:     "node-1",
		ClientSANs:        []string{"node-1.mesh"},
	})
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}

	if ctx.Principal != "node-1" {
		t.Errorf("Principal = %q, want %q", ctx.Principal, "node-1")
	}
}

func TestSourceIPForwardedFor(t *testing.T) {
	p := New()
	cfg := Config{TrustForwarded: true, TrustedProxyIPs: []string{"10.0.0.1"}}

	got := p.sourceIP(cfg, "10.0.0.1", map[string][]string{"X-Forwarded-For": {"203.0.113.9, 10.0.0.1"}})
	if got != "203.0.113.9" {
		t.Errorf("sourceIP = %q, want %q", got, "203.0.113.9")
	}

	got = p.sourceIP(cfg, "10.0.0.2", map[string][]string{"X-Forwarded-For": {"203.0.113.9"}})
	if got != "10.0.0.2" {
		t.Errorf("sourceIP from untrusted proxy = %q, want socket ip %q", got, "10.0.0.2")
	}
}

func TestRateLimitExceeded(t *testing.T) {
	p := New()
	cfg := Config{PerIPPerMinute: 2}

	var events []RateLimitEvent
	p.EmitRateLimited = func(e RateLimitEvent) { events = append(events, e) }

	for i := 0; i < 2; i++ {
		if err := p.Allow(cfg, "10.0.0.1", "local"); err != nil {
			t.Fatalf("Allow #%d: %v", i, err)
		}
	}

	err := p.Allow(cfg, "10.0.0.1", "local")
	if err == nil {
		t.Fatal("expected third request to be rate limited")
	}

	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}

	if events[0].Scope != "source_ip" || events[0].Count != 3 {
		t.Errorf("event = %+v", events[0])
	}
}
