// SPDX-License-Identifier: MIT

package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestExtractToken_PriorityOrder(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)
	r.Header.Set("Authorization", "Bearer bearer-token ")
	r.Header.Set("X-API-Token", "header-token")
	r.AddCookie(&http.Cookie{Name: "gridrun_session", Value: "session-token"})

	if got := ExtractToken(r); got != "bearer-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "bearer-token")
	}
}

func TestExtractToken_CookieBeforeLegacyHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)
	r.Header.Set("X-API-Token", "header-token")
	r.AddCookie(&http.Cookie{Name: "gridrun_session", Value: "session-token"})

	if got := ExtractToken(r); got != "session-token" {
		t.Fatalf("ExtractToken() = %q, want %q", got, "session-token")
	}
}

func TestExtractToken_Empty(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)

	if got := ExtractToken(r); got != "" {
		t.Fatalf("ExtractToken() = %q, want empty", got)
	}
}

func TestAuthorizeToken(t *testing.T) {
	if AuthorizeToken("secret", "secret") != true {
		t.Fatal("AuthorizeToken should accept exact match")
	}
	if AuthorizeToken("secret", "other") != false {
		t.Fatal("AuthorizeToken should reject mismatch")
	}
	if AuthorizeToken("", "secret") != false {
		t.Fatal("AuthorizeToken should reject empty got token")
	}
	if AuthorizeToken("secret", "") != false {
		t.Fatal("AuthorizeToken should reject empty expected token")
	}
}

func TestAuthorizeRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example.local/test", nil)
	r.Header.Set("Authorization", "Bearer secret")

	if AuthorizeRequest(r, "secret") != true {
		t.Fatal("AuthorizeRequest should accept matching bearer token")
	}
	if AuthorizeRequest(r, "other") != false {
		t.Fatal("AuthorizeRequest should reject mismatched token")
	}
	if AuthorizeRequest(nil, "secret") != false {
		t.Fatal("AuthorizeRequest should reject nil request")
	}
}
