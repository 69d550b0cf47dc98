package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadUsesNumbers(t *testing.T) {
	var v map[string]interface{}
	err := Read(strings.NewReader(`{"n": 12345678901234567890}`), &v)
	if err != nil {
		t.Fatal(err)
	}
	if got := v["n"].(interface{ String() string }).String(); got != "12345678901234567890" {
		t.Errorf("Read preserved %q, want full precision", got)
	}
}

func TestReadBad(t *testing.T) {
	var v map[string]interface{}
	if err := Read(strings.NewReader(`{`), &v); err == nil {
		t.Error("Read err = nil, want error")
	}
}

func TestClientPostf(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if r.URL.Path != "/token-exchange" {
			t.Errorf("path = %s, want /token-exchange", r.URL.Path)
		}
		if got := r.Header.Get("Content-Type"); !strings.HasPrefix(got, "application/json") {
			t.Errorf("content-type = %q", got)
		}
		if got := r.Header.Get("X-Custom"); got != "yes" {
			t.Errorf("custom header = %q, want yes", got)
		}
		var body map[string]string
		Read(r.Body, &body)
		if body["token"] != "pat" {
			t.Errorf("body token = %q, want pat", body["token"])
		}
		w.WriteHeader(201)
		w.Write([]byte(`{"token":"exchanged"}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL, Header: http.Header{"X-Custom": {"yes"}}}
	var out struct{ Token string }
	err := c.Postf(context.Background(), map[string]string{"token": "pat"}, &out, "/token-exchange")
	if err != nil {
		t.Fatal(err)
	}
	if out.Token != "exchanged" {
		t.Errorf("out.Token = %q, want exchanged", out.Token)
	}
}

func TestClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(503)
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	err := c.Getf(context.Background(), nil, "/legal-entities")
	if err != StatusError(503) {
		t.Fatalf("err = %v, want StatusError(503)", err)
	}
}

func TestClientAbsoluteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/absolute" {
			t.Errorf("path = %s, want /absolute", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	// base URL points nowhere; the absolute path must win
	c := &Client{BaseURL: "http://127.0.0.1:1"}
	var out map[string]interface{}
	if err := c.Getf(context.Background(), &out, "%s/absolute", srv.URL); err != nil {
		t.Fatal(err)
	}
}

func TestClientPathFormatting(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/legal-entities/le-1/repos" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := &Client{BaseURL: srv.URL}
	var out map[string]interface{}
	if err := c.Getf(context.Background(), &out, "/legal-entities/%s/repos", "le-1"); err != nil {
		t.Fatal(err)
	}
}
