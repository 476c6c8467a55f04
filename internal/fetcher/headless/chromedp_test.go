package headless

import (
	"context"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"go.uber.org/zap"

	"github.com/JakeFAU/upwork-harvester/internal/session"
)

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewChromedp(Config{}, zap.NewNop()); err == nil {
		t.Fatal("expected error without credentials")
	}
	auth, err := NewChromedp(Config{Username: "me@example.com", Password: "pw", Headless: true}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer auth.Close()
	if auth.cfg.Selectors != DefaultSelectors() {
		t.Fatalf("expected default selectors, got %+v", auth.cfg.Selectors)
	}
	if auth.cfg.NavigationTimeout != 90*time.Second {
		t.Fatalf("expected default navigation timeout, got %v", auth.cfg.NavigationTimeout)
	}
}

func TestCredentialsFromCookies(t *testing.T) {
	t.Parallel()

	auth := &Authenticator{cfg: Config{ExpiryCookie: "master_access_token"}}
	creds, err := auth.credentials([]*network.Cookie{
		{Name: "visitor_id", Value: "v"},
		{Name: "master_access_token", Value: "tok", Domain: ".upwork.com", Expires: 1_900_000_000, Secure: true},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !creds.ExpiresAt.Equal(time.Unix(1_900_000_000, 0)) {
		t.Fatalf("unexpected expiry %v", creds.ExpiresAt)
	}
	cookies, err := session.DecodeCookies(creds.Blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(cookies) != 2 || cookies[1].Value != "tok" || !cookies[1].Secure {
		t.Fatalf("unexpected cookies %+v", cookies)
	}

	if _, err := auth.credentials(nil); err == nil {
		t.Fatal("expected error for empty cookie jar")
	}
}

func TestToCookieParams(t *testing.T) {
	t.Parallel()

	exp := time.Unix(1_900_000_000, 0).UTC()
	params := toCookieParams([]session.Cookie{
		{Name: "a", Value: "1", Domain: ".upwork.com", Path: "/", Expires: exp, HTTPOnly: true},
		{Name: "b", Value: "2"},
	})
	if len(params) != 2 {
		t.Fatalf("expected two params, got %d", len(params))
	}
	if params[0].Expires == nil || !time.Time(*params[0].Expires).Equal(exp) {
		t.Fatalf("expected expiry to carry over, got %v", params[0].Expires)
	}
	if params[1].Expires != nil {
		t.Fatalf("session cookie should have no expiry, got %v", params[1].Expires)
	}
}

func TestStatic(t *testing.T) {
	t.Parallel()

	if _, err := NewStatic(nil).Login(context.Background(), nil); err == nil {
		t.Fatal("expected error without credentials")
	}
	creds, err := NewStatic([]byte("exported")).Login(context.Background(), nil)
	if err != nil || string(creds.Blob) != "exported" {
		t.Fatalf("unexpected result %q, %v", creds.Blob, err)
	}
}
