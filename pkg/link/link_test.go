// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package link

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/absmach/mrelay/pkg/inbound"
)

const testUUID = "d342d11e-d424-4583-b36e-524ab1f0afa4"

func testRouter(t *testing.T) *inbound.Router {
	t.Helper()
	cred, err := inbound.ParseCredential(testUUID)
	if err != nil {
		t.Fatalf("ParseCredential() error = %v", err)
	}
	r, err := inbound.NewRouter([]inbound.Inbound{{
		Variant:    inbound.VariantVLESS,
		Name:       "edge relay",
		Paths:      []string{"/ws", "/tunnel"},
		Credential: cred,
	}}, "/link")
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	return r
}

func TestVLESS(t *testing.T) {
	in, _ := testRouter(t).Inbound(inbound.VariantVLESS)

	raw := VLESS(in, "relay.example.com", 443, "/ws", true)
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}

	if u.Scheme != "vless" {
		t.Errorf("Expected scheme vless, got %s", u.Scheme)
	}
	if u.User.Username() != testUUID {
		t.Errorf("Expected user %s, got %s", testUUID, u.User.Username())
	}
	if u.Host != "relay.example.com:443" {
		t.Errorf("Expected host relay.example.com:443, got %s", u.Host)
	}
	if u.Fragment != "edge relay" {
		t.Errorf("Expected fragment %q, got %q", "edge relay", u.Fragment)
	}

	q := u.Query()
	expected := map[string]string{
		"encryption": "none",
		"security":   "tls",
		"type":       "ws",
		"host":       "relay.example.com",
		"path":       "/ws",
		"sni":        "relay.example.com",
	}
	for k, v := range expected {
		if q.Get(k) != v {
			t.Errorf("Expected %s=%s, got %s", k, v, q.Get(k))
		}
	}
}

func TestVLESS_Plain(t *testing.T) {
	in, _ := testRouter(t).Inbound(inbound.VariantVLESS)

	u, err := url.Parse(VLESS(in, "10.0.0.1", 8080, "/ws", false))
	if err != nil {
		t.Fatalf("url.Parse() error = %v", err)
	}
	if u.Query().Get("security") != "none" || u.Query().Has("sni") {
		t.Errorf("Expected plain link, got %s", u.RawQuery)
	}
}

func TestHandler(t *testing.T) {
	h := Handler(testRouter(t), Config{TLS: true})

	req := httptest.NewRequest(http.MethodGet, "/link", nil)
	req.Host = "relay.example.com:8443"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Expected JSON content type, got %s", ct)
	}

	var body struct {
		Links []Link `json:"links"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if len(body.Links) != 2 {
		t.Fatalf("Expected 2 links, got %d", len(body.Links))
	}

	paths := map[string]bool{}
	for _, l := range body.Links {
		paths[l.Path] = true
		u, err := url.Parse(l.URL)
		if err != nil {
			t.Fatalf("url.Parse() error = %v", err)
		}
		if u.Host != "relay.example.com:443" {
			t.Errorf("Expected request host with TLS port, got %s", u.Host)
		}
		if l.Variant != "vless" {
			t.Errorf("Expected variant vless, got %s", l.Variant)
		}
	}
	if !paths["/ws"] || !paths["/tunnel"] {
		t.Errorf("Expected links for both paths, got %v", paths)
	}
}
