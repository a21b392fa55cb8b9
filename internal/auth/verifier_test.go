package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestNewVerifierDefaultsToDev(t *testing.T) {
	if v := NewVerifier(""); v.Mode != "dev" {
		t.Fatalf("mode = %q, want dev", v.Mode)
	}
	if v := NewVerifier(" HMAC "); v.Mode != "hmac" {
		t.Fatalf("mode = %q, want hmac", v.Mode)
	}
}

func TestDevMode(t *testing.T) {
	v := &Verifier{Mode: "dev"}
	p, err := v.Verify("t_acme:agent:agent-7")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Tenant != "t_acme" || p.Role != "agent" || p.AgentID != "agent-7" {
		t.Fatalf("unexpected principal: %+v", p)
	}
	if _, err := v.Verify("garbage"); err == nil {
		t.Fatal("expected error for malformed dev token")
	}
}

func signHS256(t *testing.T, secret []byte, header, payload string) string {
	t.Helper()
	h := base64.RawURLEncoding.EncodeToString([]byte(header))
	p := base64.RawURLEncoding.EncodeToString([]byte(payload))
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(h + "." + p))
	return h + "." + p + "." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func TestHMACMode(t *testing.T) {
	secret := []byte("topsecret")
	v := &Verifier{Mode: "hmac", HMACSecret: secret, TenantClaim: "tenant", RoleClaim: "role", AgentClaim: "sub"}

	tok := signHS256(t, secret, `{"alg":"HS256","typ":"JWT"}`, `{"tenant":"t_acme","role":"Supervisor","sub":"agent-2"}`)
	p, err := v.Verify(tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if p.Tenant != "t_acme" || p.Role != "supervisor" || p.AgentID != "agent-2" {
		t.Fatalf("unexpected principal: %+v", p)
	}

	bad := signHS256(t, []byte("wrong"), `{"alg":"HS256"}`, `{"tenant":"t_acme","role":"agent"}`)
	if _, err := v.Verify(bad); err == nil {
		t.Fatal("expected bad signature error")
	}

	noTenant := signHS256(t, secret, `{"alg":"HS256"}`, `{"role":"agent"}`)
	if _, err := v.Verify(noTenant); err == nil {
		t.Fatal("expected missing tenant error")
	}
}
