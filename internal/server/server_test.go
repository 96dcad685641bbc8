package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"changeline/internal/claim"
	"changeline/internal/config"
	"changeline/internal/domain"
	"changeline/internal/record"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func newTestServer(t *testing.T, auth AuthConfig) *testServer {
	t.Helper()
	dir := t.TempDir()
	store := &record.Store{Dir: filepath.Join(dir, "records"), Lock: record.LockConfig{
		RetryInterval: 10 * time.Millisecond,
		MaxWait:       time.Second,
		StaleAfter:    time.Minute,
	}}
	if err := store.Create("demo", "csr"); err != nil {
		t.Fatalf("create record: %v", err)
	}
	if err := store.Update(context.Background(), "demo", func(p *domain.Project) error {
		p.Specs = append(p.Specs, &domain.ChangeSpec{
			Name:   "auth",
			Status: domain.StatusTesting,
			History: []domain.HistoryEntry{
				{Number: 1, Note: "initial"},
				{Number: 1, ProposalLetter: "a", Note: "pending"},
			},
			Hooks: []domain.HookEntry{{RawCommand: "make test"}},
		})
		return nil
	}); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	claims := claim.New(filepath.Join(dir, "claims"), config.Default())
	if _, err := claims.Claim(claim.Interactive, "session", "demo/auth"); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	handler, err := New(Config{Store: store, Claims: claims, BasePath: "/v0", Auth: auth})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	t.Cleanup(ts.close)
	return ts
}

func get(t *testing.T, client *http.Client, url, bearer string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := get(t, srv.client, srv.URL+"/v0/health", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
}

func TestProjectSummaryAndSpecDetail(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := get(t, srv.client, srv.URL+"/v0/projects/demo", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("project: %d %s", res.StatusCode, string(body))
	}
	var summary struct {
		Name  string        `json:"name"`
		Specs []specSummary `json:"specs"`
	}
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Name != "demo" || len(summary.Specs) != 1 {
		t.Fatalf("summary = %+v", summary)
	}
	s := summary.Specs[0]
	if s.Name != "auth" || s.Entries != 2 || s.Proposals != 1 || s.Hooks != 1 {
		t.Fatalf("spec summary = %+v", s)
	}

	res, body = get(t, srv.client, srv.URL+"/v0/projects/demo/specs/auth", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("spec: %d %s", res.StatusCode, string(body))
	}
	var spec domain.ChangeSpec
	if err := json.Unmarshal(body, &spec); err != nil {
		t.Fatalf("unmarshal spec: %v", err)
	}
	if spec.Status != domain.StatusTesting || len(spec.History) != 2 {
		t.Fatalf("spec = %+v", spec)
	}
}

func TestUnknownProjectIs404(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, _ := get(t, srv.client, srv.URL+"/v0/projects/ghost", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
	res, _ = get(t, srv.client, srv.URL+"/v0/projects/demo/specs/ghost", "")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestClaimsEndpoint(t *testing.T) {
	srv := newTestServer(t, AuthConfig{})
	res, body := get(t, srv.client, srv.URL+"/v0/claims", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claims: %d %s", res.StatusCode, string(body))
	}
	var out struct {
		Claims []domain.WorkspaceClaim `json:"claims"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal claims: %v", err)
	}
	if len(out.Claims) != 1 || out.Claims[0].Target != "demo/auth" {
		t.Fatalf("claims = %+v", out.Claims)
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestAuthRejectsMissingAndBadTokens(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "sekrit"})
	res, _ := get(t, srv.client, srv.URL+"/v0/projects", "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: %d", res.StatusCode)
	}
	res, _ = get(t, srv.client, srv.URL+"/v0/projects", signToken(t, "wrong-secret", "tester"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = get(t, srv.client, srv.URL+"/v0/health", "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health behind auth: %d", res.StatusCode)
	}
}

func TestAuthAcceptsValidToken(t *testing.T) {
	srv := newTestServer(t, AuthConfig{JWTSecret: "sekrit"})
	res, body := get(t, srv.client, srv.URL+"/v0/projects", signToken(t, "sekrit", "tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token: %d %s", res.StatusCode, string(body))
	}
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(out.Projects) != 1 || out.Projects[0] != "demo" {
		t.Fatalf("projects = %v", out.Projects)
	}
}
