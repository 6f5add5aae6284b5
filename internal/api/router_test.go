// Marketscope - Marketing Analytics and Data Source Synchronization
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/marketscope

package api

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/marketscope/internal/audit"
	"github.com/tomtom215/marketscope/internal/auth"
	"github.com/tomtom215/marketscope/internal/authz"
	"github.com/tomtom215/marketscope/internal/config"
	"github.com/tomtom215/marketscope/internal/database"
	"github.com/tomtom215/marketscope/internal/models"
	"github.com/tomtom215/marketscope/internal/oauth"
	"github.com/tomtom215/marketscope/internal/scheduler"
	"github.com/tomtom215/marketscope/internal/uploads"
)

const testSecret = "test-secret-that-is-long-enough-for-sealing"

// fakeStore implements the repository calls the tests reach. Any other
// call panics on the nil embedded interface.
type fakeStore struct {
	Store

	mu      sync.Mutex
	users   map[string]*models.User
	sources map[int64]*models.DataSource
	pingErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{users: map[string]*models.User{}, sources: map[int64]*models.DataSource{}}
}

func (s *fakeStore) Ping(context.Context) error { return s.pingErr }

func (s *fakeStore) CreateUser(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Email]; ok {
		return database.ErrConflict
	}
	u.ID = int64(len(s.users) + 100)
	s.users[u.Email] = u
	return nil
}

func (s *fakeStore) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[email]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) GetUser(_ context.Context, id int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == id {
			return u, nil
		}
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) GetDataSource(_ context.Context, id int64) (*models.DataSource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ds, ok := s.sources[id]; ok {
		cp := *ds
		return &cp, nil
	}
	return nil, database.ErrNotFound
}

func (s *fakeStore) DeleteDataSource(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, id)
	return nil
}

type fakeScheduler struct {
	mu       sync.Mutex
	err      error
	triggers []models.SyncTrigger
	syncing  map[int64]bool
	held     map[int64]bool
}

func (f *fakeScheduler) Hold(_ context.Context, id int64) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing[id] || f.held[id] {
		return nil, scheduler.ErrSyncInProgress
	}
	if f.held == nil {
		f.held = map[int64]bool{}
	}
	f.held[id] = true
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, id)
	}, nil
}

func (f *fakeScheduler) setSyncing(id int64, on bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.syncing == nil {
		f.syncing = map[int64]bool{}
	}
	f.syncing[id] = on
}

// fakeTables records which data sources had their tables dropped and
// whether the source was held at the time.
type fakeTables struct {
	Tables

	sched   *fakeScheduler
	mu      sync.Mutex
	dropped map[int64]bool
}

func (f *fakeTables) DeleteByDataSource(_ context.Context, id int64) error {
	f.sched.mu.Lock()
	held := f.sched.held[id]
	f.sched.mu.Unlock()
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dropped == nil {
		f.dropped = map[int64]bool{}
	}
	f.dropped[id] = held
	return nil
}

func (f *fakeScheduler) TriggerSync(_ context.Context, _ int64, trigger models.SyncTrigger) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.triggers = append(f.triggers, trigger)
	return nil
}

func (f *fakeScheduler) Reschedule(context.Context, *models.DataSource) {}
func (f *fakeScheduler) Unschedule(int64)                               {}

func (f *fakeScheduler) Status() scheduler.Status {
	return scheduler.Status{Running: []int64{9}, QueueDepth: 2}
}

type fakeUploads struct {
	max      int64
	received []byte
}

func (f *fakeUploads) Put(_ context.Context, dsID int64, filename string, r io.Reader) (uploads.Upload, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return uploads.Upload{}, err
	}
	f.received = b
	return uploads.Upload{ID: "u1", DataSourceID: dsID, Filename: filename, Size: int64(len(b))}, nil
}

func (f *fakeUploads) Delete(context.Context, int64) error { return nil }
func (f *fakeUploads) MaxBytes() int64                     { return f.max }

type fakeMembers struct{ members []models.ProjectMember }

func (f *fakeMembers) ListAllMembers(context.Context) ([]models.ProjectMember, error) {
	return f.members, nil
}

type testServer struct {
	handler   http.Handler
	store     *fakeStore
	scheduler *fakeScheduler
	uploads   *fakeUploads
	jwt       *auth.JWTManager
	audit     *audit.MemoryStore
	tables    *fakeTables
}

// newTestServer serves project 1 with user 1 as owner and user 2 as
// viewer. Data source 10 is a CSV source in project 1 and 20 belongs to
// project 2.
func newTestServer(t *testing.T) *testServer {
	t.Helper()

	cfg := &config.Config{
		Security: config.SecurityConfig{JWTSecret: testSecret, RateLimitDisable: true},
	}
	jwt, err := auth.NewJWTManager(&cfg.Security)
	if err != nil {
		t.Fatalf("NewJWTManager() error = %v", err)
	}
	enforcer, err := authz.NewEnforcer(&authz.EnforcerConfig{})
	if err != nil {
		t.Fatalf("NewEnforcer() error = %v", err)
	}
	t.Cleanup(enforcer.Close)
	svc := authz.NewService(enforcer, &fakeMembers{members: []models.ProjectMember{
		{ProjectID: 1, UserID: 1, Role: models.RoleOwner},
		{ProjectID: 1, UserID: 2, Role: models.RoleViewer},
	}}, 0)
	if err := svc.LoadMemberships(context.Background()); err != nil {
		t.Fatalf("LoadMemberships() error = %v", err)
	}
	om, err := oauth.NewManager(cfg)
	if err != nil {
		t.Fatalf("oauth.NewManager() error = %v", err)
	}
	sealer, err := oauth.NewSealer(testSecret)
	if err != nil {
		t.Fatalf("NewSealer() error = %v", err)
	}

	store := newFakeStore()
	store.sources[10] = &models.DataSource{ID: 10, ProjectID: 1, Name: "leads", Type: models.SourceCSV, Status: models.StatusIdle, Connected: true}
	store.sources[20] = &models.DataSource{ID: 20, ProjectID: 2, Name: "other", Type: models.SourceCSV, Status: models.StatusIdle, Connected: true}
	store.sources[30] = &models.DataSource{ID: 30, ProjectID: 1, Name: "ga", Type: models.SourceGoogleAnalytics, Status: models.StatusIdle}
	sched := &fakeScheduler{}
	tables := &fakeTables{sched: sched}
	up := &fakeUploads{max: 1 << 20}

	auditStore := audit.NewMemoryStore(100)
	auditLog := audit.NewLogger(auditStore, audit.Config{Enabled: true, BufferSize: 100})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = auditLog.Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := NewHandler(Deps{
		Config:    cfg,
		Store:     store,
		JWT:       jwt,
		Lockout:   auth.NewLockoutManager(auth.LockoutConfig{MaxAttempts: 2}),
		Authz:     svc,
		Scheduler: sched,
		Tables:    tables,
		Uploads:   up,
		OAuth:     om,
		Sealer:    sealer,
		Audit:     auditLog,
	})
	mw := NewChiMiddleware(ChiMiddlewareConfigFrom(cfg.Security))
	router := NewRouter(h, mw, auth.NewMiddleware(jwt))
	return &testServer{handler: router.Handler(), store: store, scheduler: sched, uploads: up, jwt: jwt, audit: auditStore, tables: tables}
}

func (s *testServer) do(t *testing.T, method, path string, userID int64, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if userID != 0 {
		token, _, err := s.jwt.GenerateToken(userID, "user@example.com")
		if err != nil {
			t.Fatalf("GenerateToken() error = %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

func (s *testServer) doJSON(t *testing.T, method, path string, userID int64, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	return s.do(t, method, path, userID, bytes.NewReader(b), "application/json")
}

func assertError(t *testing.T, w *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("status = %d, want %d (body %s)", w.Code, status, w.Body.String())
	}
	resp := decodeEnvelope(t, w)
	if resp.Error == nil || resp.Error.Code != code {
		t.Fatalf("error = %+v, want code %s", resp.Error, code)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.doJSON(t, http.MethodPost, "/api/v1/auth/register", 0, RegisterRequest{
		Email: "Ada@Example.com", Name: "Ada", Password: "correct-horse",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d: %s", w.Code, w.Body.String())
	}
	if c := w.Result().Cookies(); len(c) == 0 || c[0].Name != auth.SessionCookie || !c[0].HttpOnly {
		t.Errorf("expected HttpOnly session cookie, got %v", c)
	}
	u, err := srv.store.GetUserByEmail(context.Background(), "ada@example.com")
	if err != nil {
		t.Fatalf("registered user not stored under normalized email: %v", err)
	}
	if u.Tier != models.TierFree {
		t.Errorf("tier = %q, want free", u.Tier)
	}

	w = srv.doJSON(t, http.MethodPost, "/api/v1/auth/register", 0, RegisterRequest{
		Email: "ada@example.com", Password: "another-pass",
	})
	assertError(t, w, http.StatusConflict, ErrCodeConflict)

	w = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, LoginRequest{Email: "ada@example.com", Password: "correct-horse"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data TokenResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	claims, err := srv.jwt.ValidateToken(resp.Data.Token)
	if err != nil || claims.UserID != u.ID {
		t.Errorf("token claims = %+v, %v", claims, err)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/me", u.ID, nil, "")
	if w.Code != http.StatusOK {
		t.Errorf("me status = %d", w.Code)
	}
}

func TestRegister_Validation(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.doJSON(t, http.MethodPost, "/api/v1/auth/register", 0, RegisterRequest{Email: "not-an-email", Password: "short"})
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)

	w = srv.do(t, http.MethodPost, "/api/v1/auth/register", 0, strings.NewReader(`{"email":"a@b.co","password":"longenough","admin":true}`), "application/json")
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)
}

func TestLogin_Lockout(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	hash, err := auth.HashPassword("right-password")
	if err != nil {
		t.Fatal(err)
	}
	if err := srv.store.CreateUser(context.Background(), &models.User{Email: "bob@example.com", PasswordHash: hash}); err != nil {
		t.Fatal(err)
	}

	bad := LoginRequest{Email: "bob@example.com", Password: "wrong-password"}
	w := srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, bad)
	assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)

	w = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, bad)
	assertError(t, w, http.StatusTooManyRequests, ErrCodeAccountLocked)
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	// The right password is refused while locked.
	w = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, LoginRequest{Email: "bob@example.com", Password: "right-password"})
	assertError(t, w, http.StatusTooManyRequests, ErrCodeAccountLocked)

	// Unknown emails fail the same way as wrong passwords.
	w = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, LoginRequest{Email: "nobody@example.com", Password: "whatever"})
	assertError(t, w, http.StatusUnauthorized, ErrCodeUnauthorized)
}

func TestLogin_AuditTrail(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	bad := LoginRequest{Email: "eve@example.com", Password: "guess-one"}
	_ = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, bad)
	_ = srv.doJSON(t, http.MethodPost, "/api/v1/auth/login", 0, bad)

	deadline := time.Now().Add(2 * time.Second)
	for srv.audit.Len() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	events, _ := srv.audit.Query(context.Background(), audit.QueryFilter{})
	if len(events) != 3 {
		t.Fatalf("got %d audit events, want 3: %+v", len(events), events)
	}
	if events[0].Type != audit.EventTypeAuthLockout || events[0].Actor.Email != "eve@example.com" {
		t.Errorf("newest event = %+v, want lockout for eve", events[0])
	}
	if events[2].Type != audit.EventTypeAuthFailure {
		t.Errorf("oldest event type = %s, want auth.failure", events[2].Type)
	}
}

func TestListAuditEvents(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	ctx := context.Background()
	_ = srv.audit.Save(ctx, &audit.Event{ID: "a", ProjectID: 1, Type: audit.EventTypeMemberAdded, Timestamp: time.Now().Add(-time.Hour)})
	_ = srv.audit.Save(ctx, &audit.Event{ID: "b", ProjectID: 1, Type: audit.EventTypeDataSourceDeleted, Timestamp: time.Now()})
	_ = srv.audit.Save(ctx, &audit.Event{ID: "c", ProjectID: 2, Type: audit.EventTypeMemberAdded, Timestamp: time.Now()})

	w := srv.do(t, http.MethodGet, "/api/v1/projects/1/audit?type=member.added", 1, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data []audit.Event `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Data) != 1 || resp.Data[0].ID != "a" {
		t.Errorf("events = %+v, want only a", resp.Data)
	}

	w = srv.do(t, http.MethodGet, "/api/v1/projects/1/audit?since=yesterday", 1, nil, "")
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)

	// Viewers cannot read the audit trail.
	w = srv.do(t, http.MethodGet, "/api/v1/projects/1/audit", 2, nil, "")
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)
}

func TestRequiresAuthentication(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	for _, path := range []string{"/api/v1/me", "/api/v1/projects", "/api/v1/projects/1/data-sources/10", "/api/v1/sync/status"} {
		w := srv.do(t, http.MethodGet, path, 0, nil, "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", path, w.Code)
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	srv.handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("invalid token = %d, want 401", w.Code)
	}
}

func TestTriggerSync(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/sync", 1, nil, "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if len(srv.scheduler.triggers) != 1 || srv.scheduler.triggers[0] != models.TriggerManual {
		t.Errorf("triggers = %v", srv.scheduler.triggers)
	}

	srv.scheduler.err = scheduler.ErrSyncInProgress
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/sync", 1, nil, "")
	assertError(t, w, http.StatusConflict, ErrCodeSyncInProgress)
}

func TestDeleteDataSource_WaitsForRunningSync(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	srv.scheduler.setSyncing(10, true)
	w := srv.do(t, http.MethodDelete, "/api/v1/projects/1/data-sources/10", 1, nil, "")
	assertError(t, w, http.StatusConflict, ErrCodeSyncInProgress)
	if _, err := srv.store.GetDataSource(context.Background(), 10); err != nil {
		t.Errorf("source deleted while syncing: %v", err)
	}
	if len(srv.tables.dropped) != 0 {
		t.Errorf("tables dropped while syncing: %v", srv.tables.dropped)
	}

	srv.scheduler.setSyncing(10, false)
	w = srv.do(t, http.MethodDelete, "/api/v1/projects/1/data-sources/10", 1, nil, "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if held, ok := srv.tables.dropped[10]; !ok || !held {
		t.Errorf("tables dropped = %v, want source 10 dropped under its sync lock", srv.tables.dropped)
	}
	if _, err := srv.store.GetDataSource(context.Background(), 10); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("GetDataSource() after delete error = %v", err)
	}
	if len(srv.scheduler.held) != 0 {
		t.Errorf("locks not released: %v", srv.scheduler.held)
	}
}

func TestTriggerSync_Permissions(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	// Viewers read but cannot sync.
	w := srv.do(t, http.MethodGet, "/api/v1/projects/1/data-sources/10", 2, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("viewer read = %d", w.Code)
	}
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/sync", 2, nil, "")
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)

	// Non-members are refused.
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/sync", 3, nil, "")
	assertError(t, w, http.StatusForbidden, ErrCodeForbidden)

	// A source from another project is invisible through this project.
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/20/sync", 1, nil, "")
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound)

	if len(srv.scheduler.triggers) != 0 {
		t.Errorf("unexpected triggers %v", srv.scheduler.triggers)
	}
}

func TestTriggerSync_OAuthNotConnected(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/30/sync", 1, nil, "")
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)
}

func multipartBody(t *testing.T, field, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}
	return &buf, mw.FormDataContentType()
}

func TestUpload(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	body, ct := multipartBody(t, "file", "leads.csv", "email,score\na@b.co,3\n")
	w := srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/upload", 1, body, ct)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var resp struct {
		Data UploadResponse `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Data.SyncQueued || resp.Data.Upload.Filename != "leads.csv" {
		t.Errorf("response = %+v", resp.Data)
	}
	if string(srv.uploads.received) != "email,score\na@b.co,3\n" {
		t.Errorf("received %q", srv.uploads.received)
	}
	if len(srv.scheduler.triggers) != 1 || srv.scheduler.triggers[0] != models.TriggerUpload {
		t.Errorf("triggers = %v", srv.scheduler.triggers)
	}
}

func TestUpload_SyncAlreadyRunning(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)
	srv.scheduler.err = scheduler.ErrSyncInProgress

	body, ct := multipartBody(t, "file", "leads.csv", "a\n1\n")
	w := srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/upload", 1, body, ct)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	if !strings.Contains(w.Body.String(), `"sync_queued":false`) {
		t.Errorf("body = %s", w.Body.String())
	}
}

func TestUpload_Rejections(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	body, ct := multipartBody(t, "file", "leads.exe", "MZ")
	w := srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/upload", 1, body, ct)
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)

	body, ct = multipartBody(t, "attachment", "leads.csv", "a\n")
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/upload", 1, body, ct)
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)

	srv.uploads.max = 8
	body, ct = multipartBody(t, "file", "big.csv", strings.Repeat("x", 2<<20))
	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/10/upload", 1, body, ct)
	assertError(t, w, http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge)

	w = srv.do(t, http.MethodPost, "/api/v1/projects/1/data-sources/30/upload", 1, strings.NewReader("x"), "text/plain")
	assertError(t, w, http.StatusBadRequest, ErrCodeValidation)
}

func TestOAuthCallback_InvalidState(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/v1/oauth/google/callback?state=forged&code=abc", 0, nil, "")
	assertError(t, w, http.StatusBadRequest, ErrCodeInvalidOAuthState)
}

func TestHealth(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/health", 0, nil, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		Data HealthStatus `json:"data"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Data.Status != "healthy" || resp.Data.QueueDepth != 2 || resp.Data.RunningSyncs != 1 {
		t.Errorf("health = %+v", resp.Data)
	}
	if w.Header().Get("X-Request-Id") == "" {
		t.Error("expected X-Request-ID header")
	}

	srv.store.pingErr = errors.New("connection refused")
	w = srv.do(t, http.MethodGet, "/health", 0, nil, "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("degraded status = %d, want 503", w.Code)
	}
}

func TestSyncStatus(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/v1/sync/status", 2, nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"queue_depth":2`) {
		t.Errorf("status = %d body = %s", w.Code, w.Body.String())
	}
}

func TestUnknownRoute(t *testing.T) {
	t.Parallel()
	srv := newTestServer(t)

	w := srv.do(t, http.MethodGet, "/api/v2/nothing", 0, nil, "")
	assertError(t, w, http.StatusNotFound, ErrCodeNotFound)
}
