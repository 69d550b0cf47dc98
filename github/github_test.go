package github

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return Open("tok", BaseURL(srv.URL)), srv
}

func TestAuthHeader(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token tok" {
			t.Errorf("Authorization = %q, want %q", got, "token tok")
		}
		if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
			t.Errorf("Accept = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]string{"login": "e2e-account"})
	}))

	user, err := c.User(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if user != "e2e-account" {
		t.Errorf("User = %q, want e2e-account", user)
	}
}

func TestGetRepoMissing(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/user" {
			json.NewEncoder(w).Encode(map[string]string{"login": "u"})
			return
		}
		w.WriteHeader(404)
	}))

	_, err := c.GetRepo(context.Background(), "nope")
	if err != StatusError(404) {
		t.Fatalf("err = %v, want StatusError(404)", err)
	}
}

func TestCreateRepo(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/user/repos" {
			t.Errorf("%s %s, want POST /user/repos", r.Method, r.URL.Path)
		}
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		if body["private"] != true || body["auto_init"] != true {
			t.Errorf("body = %v, want private auto-init repo", body)
		}
		w.WriteHeader(201)
		json.NewEncoder(w).Encode(Repo{
			Name:          "r1",
			FullName:      "u/r1",
			DefaultBranch: "main",
			Private:       true,
		})
	}))

	repo, err := c.CreateRepo(context.Background(), "r1")
	if err != nil {
		t.Fatal(err)
	}
	if repo.FullName != "u/r1" || repo.DefaultBranch != "main" {
		t.Errorf("repo = %+v", repo)
	}
}

func TestCreateBranch(t *testing.T) {
	var refBody map[string]string
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/u/r1/branches/main":
			w.Write([]byte(`{"commit":{"sha":"aaa111"}}`))
		case "/repos/u/r1/git/refs":
			json.NewDecoder(r.Body).Decode(&refBody)
			w.WriteHeader(201)
			w.Write([]byte(`{}`))
		case "/repos/u/r1/branches/feature":
			w.Write([]byte(`{"commit":{"sha":"aaa111"}}`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(404)
		}
	}))

	repo := &Repo{FullName: "u/r1", DefaultBranch: "main"}
	sha, err := c.CreateBranch(context.Background(), repo, "feature")
	if err != nil {
		t.Fatal(err)
	}
	if sha != "aaa111" {
		t.Errorf("sha = %q, want aaa111", sha)
	}
	if refBody["ref"] != "refs/heads/feature" || refBody["sha"] != "aaa111" {
		t.Errorf("ref body = %v", refBody)
	}
}

func TestCreatePR(t *testing.T) {
	c, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/u/r1/pulls" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["base"] != "main" || body["head"] != "feature" {
			t.Errorf("body = %v", body)
		}
		w.WriteHeader(201)
		w.Write([]byte(`{"number":12,"head":{"sha":"aaa111"}}`))
	}))

	repo := &Repo{FullName: "u/r1", DefaultBranch: "main"}
	pr, err := c.CreatePR(context.Background(), repo, "Automated PR title", "feature")
	if err != nil {
		t.Fatal(err)
	}
	if pr.Number != 12 || pr.Head.SHA != "aaa111" {
		t.Errorf("pr = %+v", pr)
	}
}
