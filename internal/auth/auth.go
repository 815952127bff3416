// Package auth implements the request authentication pipeline: bind-mode
// enforcement, source-IP determination, the three auth modes
// (local_trusted/token/mtls), and the sliding-window rate limiter. It runs
// once per request, ahead of dispatch, the same place the teacher's
// web/middleware/auth.go sits in the request chain — but built around a
// shared-secret token scheme and mTLS SANs rather than JWT, since the spec
// has no identity provider to redirect to.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/styrene-lab/styrene-meshd/internal/rpcerr"
)

// Mode is one of the three supported authentication modes.
type Mode string

const (
	ModeLocalTrusted Mode = "local_trusted"
	ModeToken        Mode = "token"
	ModeMTLS         Mode = "mtls"
)

// TransportAuthContext carries what the TLS listener observed about the
// client certificate presented on the connection, if any.
type TransportAuthContext struct {
	ClientCertPresent bool
	ClientSubject     string
	ClientSANs        []string
}

// Context is the per-request authentication context handed to the
// dispatcher once the pipeline accepts a request.
type Context struct {
	SourceIP      string
	Principal     string
	ClientSubject string
	ClientSANs    []string
	CertPresent   bool
}

// Config carries the authentication policy fields the daemon's effective
// configuration contributes. It is passed in on every Authenticate/Allow
// call rather than stored in the Pipeline; sdk_configure_v2 patches do not
// change it.
type Config struct {
	BindMode  string // "local_only" or "any"
	AuthMode  Mode
	SkewMS    int64

	TrustForwarded  bool
	TrustedProxyIPs []string

	TokenSharedSecret string
	JTICacheTTLMS     int64

	RequireClientCert bool
	AllowedSAN        string

	PerIPPerMinute        int
	PerPrincipalPerMinute int
}

// RateLimitEvent is emitted (via the EmitRateLimited callback) whenever a
// request is rejected for exceeding its window.
type RateLimitEvent struct {
	Scope     string
	SourceIP  string
	Principal string
	Limit     int
	Count     int
}

// Pipeline runs the authentication and rate-limiting checks for every
// request.
type Pipeline struct {
	jtiCache *cache.Cache

	ipWindows        *slidingWindows
	principalWindows *slidingWindows

	now func() time.Time

	EmitRateLimited func(RateLimitEvent)
}

func New() *Pipeline {
	return &Pipeline{
		jtiCache:         cache.New(5*time.Minute, time.Minute),
		ipWindows:        newSlidingWindows(),
		principalWindows: newSlidingWindows(),
		now:              time.Now,
	}
}

// Authenticate runs bind-mode enforcement, source-IP determination, and the
// configured auth mode's checks. On success it returns the Context to
// attach to the request; rate limiting is checked separately via Allow
// because it must run only after a request is known to be authorized.
func (p *Pipeline) Authenticate(cfg Config, socketIP string, headers map[string][]string, tctx *TransportAuthContext) (*Context, error) {
	sourceIP := p.sourceIP(cfg, socketIP, headers)

	if cfg.BindMode == "local_only" && !isLoopback(sourceIP) {
		return nil, rpcerr.New(rpcerr.CodeRemoteBindDisallowed, "remote connections are disallowed while bind_mode is local_only")
	}

	switch cfg.AuthMode {
	case ModeToken:
		principal, err := p.authenticateToken(cfg, headerValue(headers, "Authorization"))
		if err != nil {
			return nil, err
		}

		return &Context{SourceIP: sourceIP, Principal: principal}, nil

	case ModeMTLS:
		principal, err := p.authenticateMTLS(cfg, tctx)
		if err != nil {
			return nil, err
		}

		ctx := &Context{SourceIP: sourceIP, Principal: principal}
		if tctx != nil {
			ctx.ClientSubject = tctx.ClientSubject
			ctx.ClientSANs = tctx.ClientSANs
			ctx.CertPresent = tctx.ClientCertPresent
		}

		return ctx, nil

	case ModeLocalTrusted, "":
		return &Context{SourceIP: sourceIP, Principal: "local"}, nil

	default:
		return nil, rpcerr.Newf(rpcerr.CodeAuthRequired, "unsupported auth mode %q", cfg.AuthMode)
	}
}

func (p *Pipeline) sourceIP(cfg Config, socketIP string, headers map[string][]string) string {
	if cfg.TrustForwarded && ipIn(socketIP, cfg.TrustedProxyIPs) {
		if v := headerValue(headers, "X-Forwarded-For"); v != "" {
			return strings.TrimSpace(strings.Split(v, ",")[0])
		}

		if v := headerValue(headers, "X-Real-IP"); v != "" {
			return strings.TrimSpace(v)
		}
	}

	if socketIP == "" {
		return "unknown"
	}

	return socketIP
}

func (p *Pipeline) authenticateToken(cfg Config, header string) (string, error) {
	const prefix = "Bearer "

	if !strings.HasPrefix(header, prefix) {
		return "", rpcerr.New(rpcerr.CodeAuthRequired, "missing bearer token")
	}

	raw := strings.TrimPrefix(header, prefix)

	claims, err := parseClaims(raw)
	if err != nil {
		return "", rpcerr.Newf(rpcerr.CodeTokenInvalid, "malformed token: %v", err)
	}

	for _, required := range []string{"iss", "aud", "jti", "iat", "exp", "sig"} {
		if _, ok := claims[required]; !ok {
			return "", rpcerr.Newf(rpcerr.CodeTokenInvalid, "token missing required claim %q", required)
		}
	}

	sub := claims["sub"]
	if sub == "" {
		sub = "sdk-client"
	}

	iat, err := strconv.ParseInt(claims["iat"], 10, 64)
	if err != nil {
		return "", rpcerr.New(rpcerr.CodeTokenInvalid, "iat is not a valid integer")
	}

	exp, err := strconv.ParseInt(claims["exp"], 10, 64)
	if err != nil {
		return "", rpcerr.New(rpcerr.CodeTokenInvalid, "exp is not a valid integer")
	}

	expected := signTokenFields(cfg.TokenSharedSecret, claims["iss"], claims["aud"], claims["jti"], sub, claims["iat"], claims["exp"])

	if !hmac.Equal([]byte(expected), []byte(claims["sig"])) {
		return "", rpcerr.New(rpcerr.CodeTokenInvalid, "signature mismatch")
	}

	nowSec := p.now().Unix()
	skewSec := cfg.SkewMS / 1000

	if iat > nowSec+skewSec {
		return "", rpcerr.New(rpcerr.CodeTokenInvalid, "token issued in the future")
	}

	if exp+skewSec < nowSec {
		return "", rpcerr.New(rpcerr.CodeTokenInvalid, "token expired")
	}

	jti := claims["jti"]

	if _, replayed := p.jtiCache.Get(jti); replayed {
		return "", rpcerr.New(rpcerr.CodeTokenReplayed, "token jti already used")
	}

	ttl := time.Duration(cfg.JTICacheTTLMS) * time.Millisecond
	if ttl <= 0 {
		ttl = cache.DefaultExpiration
	}

	p.jtiCache.Set(jti, true, ttl)

	return sub, nil
}

func (p *Pipeline) authenticateMTLS(cfg Config, tctx *TransportAuthContext) (string, error) {
	if tctx == nil {
		return "", rpcerr.New(rpcerr.CodeAuthRequired, "no TLS transport context available for mtls auth mode")
	}

	if cfg.RequireClientCert && !tctx.ClientCertPresent {
		return "", rpcerr.New(rpcerr.CodeAuthRequired, "client certificate required")
	}

	if cfg.AllowedSAN != "" {
		matched := false

		for _, san := range tctx.ClientSANs {
			if san == cfg.AllowedSAN {
				matched = true
				break
			}
		}

		if !matched {
			return "", rpcerr.New(rpcerr.CodeAuthzDenied, "client SAN does not match allowed_san")
		}
	}

	if tctx.ClientSubject != "" {
		return tctx.ClientSubject, nil
	}

	return "mtls-client", nil
}

// Allow applies the sliding-window rate limiter for an already-authorized
// request, incrementing both the source-IP and principal windows.
func (p *Pipeline) Allow(cfg Config, sourceIP, principal string) error {
	now := p.now().UnixMilli()

	if cfg.PerIPPerMinute > 0 {
		count := p.ipWindows.increment(sourceIP, now)
		if count > cfg.PerIPPerMinute {
			p.emitRateLimited("source_ip", sourceIP, principal, cfg.PerIPPerMinute, count)
			return rpcerr.New(rpcerr.CodeRateLimited, "rate limit exceeded for source_ip")
		}
	}

	if cfg.PerPrincipalPerMinute > 0 {
		count := p.principalWindows.increment(principal, now)
		if count > cfg.PerPrincipalPerMinute {
			p.emitRateLimited("principal", sourceIP, principal, cfg.PerPrincipalPerMinute, count)
			return rpcerr.New(rpcerr.CodeRateLimited, "rate limit exceeded for principal")
		}
	}

	return nil
}

func (p *Pipeline) emitRateLimited(scope, sourceIP, principal string, limit, count int) {
	if p.EmitRateLimited != nil {
		p.EmitRateLimited(RateLimitEvent{Scope: scope, SourceIP: sourceIP, Principal: principal, Limit: limit, Count: count})
	}
}

// slidingWindows maintains one 60s counting window per key.
type slidingWindows struct {
	windows map[string]*window
}

type window struct {
	startedMS int64
	count     int
}

func newSlidingWindows() *slidingWindows {
	return &slidingWindows{windows: make(map[string]*window)}
}

func (w *slidingWindows) increment(key string, nowMS int64) int {
	win, ok := w.windows[key]
	if !ok || nowMS-win.startedMS >= 60_000 {
		win = &window{startedMS: nowMS}
		w.windows[key] = win
	}

	win.count++

	return win.count
}

func parseClaims(raw string) (map[string]string, error) {
	claims := make(map[string]string)

	for _, part := range strings.Split(raw, ";") {
		if part == "" {
			continue
		}

		kv := strings.SplitN(part, "=", 2)
		if len(kv) != 2 {
			return nil, fmt.Errorf("malformed claim segment %q", part)
		}

		claims[kv[0]] = kv[1]
	}

	return claims, nil
}

func signTokenFields(secret, iss, aud, jti, sub, iat, exp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("iss=%s;aud=%s;jti=%s;sub=%s;iat=%s;exp=%s", iss, aud, jti, sub, iat, exp)))

	return hex.EncodeToString(mac.Sum(nil))
}

func headerValue(headers map[string][]string, key string) string {
	for k, v := range headers {
		if strings.EqualFold(k, key) && len(v) > 0 {
			return v[0]
		}
	}

	return ""
}

func isLoopback(ip string) bool {
	if ip == "localhost" {
		return true
	}

	parsed := net.ParseIP(ip)
	if parsed == nil {
		return strings.HasPrefix(ip, "127.")
	}

	return parsed.IsLoopback()
}

func ipIn(ip string, allowlist []string) bool {
	for _, candidate := range allowlist {
		if candidate == ip {
			return true
		}
	}

	return false
}
