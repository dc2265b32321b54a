package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/sandbox"
)

// memStore is an in-memory Store for manager tests.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Record)}
}

func (s *memStore) Get(_ context.Context, threadID string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[threadID]
	if !ok {
		return nil, ErrNoRecord
	}
	cp := *r
	return &cp, nil
}

func (s *memStore) Save(_ context.Context, record *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *record
	s.records[record.ThreadID] = &cp
	return nil
}

func (s *memStore) Delete(_ context.Context, threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, threadID)
	return nil
}

func (s *memStore) List(_ context.Context) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Record, 0, len(s.records))
	for _, r := range s.records {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *memStore) Close() error { return nil }

// fakeProvider counts calls so tests can assert how often the manager hits
// the backend.
type fakeProvider struct {
	mu       sync.Mutex
	name     string
	nextID   int
	sessions map[string]sandbox.SessionState

	creates, pauses, resumes, destroys int

	createErr   error
	pauseErr    error
	resumeErr   error
	createDelay time.Duration
}

func newFakeProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, sessions: make(map[string]sandbox.SessionState)}
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreateSession(ctx context.Context, _ sandbox.CreateOptions) (string, error) {
	f.mu.Lock()
	f.creates++
	delay := f.createDelay
	err := f.createErr
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("sbx-%d", f.nextID)
	f.sessions[id] = sandbox.StateRunning
	return id, nil
}

func (f *fakeProvider) GetSession(_ context.Context, sessionID string) (*sandbox.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.sessions[sessionID]
	if !ok {
		return nil, sandbox.ErrNotFound
	}
	return &sandbox.SessionDescriptor{ID: sessionID, Provider: f.name, State: state}, nil
}

func (f *fakeProvider) PauseSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauses++
	if f.pauseErr != nil {
		return f.pauseErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return sandbox.ErrNotFound
	}
	f.sessions[sessionID] = sandbox.StatePaused
	return nil
}

func (f *fakeProvider) ResumeSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	if f.resumeErr != nil {
		return f.resumeErr
	}
	if _, ok := f.sessions[sessionID]; !ok {
		return sandbox.ErrNotFound
	}
	f.sessions[sessionID] = sandbox.StateRunning
	return nil
}

func (f *fakeProvider) DestroySession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroys++
	delete(f.sessions, sessionID)
	return nil
}

func (f *fakeProvider) Exec(_ context.Context, sessionID, command string, _ time.Duration) (*sandbox.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.sessions[sessionID]; !ok {
		return nil, sandbox.ErrNotFound
	}
	return &sandbox.ExecResult{Stdout: command, ExitCode: 0}, nil
}

func (f *fakeProvider) Metrics(_ context.Context, _ string) (*sandbox.Metrics, error) {
	return nil, sandbox.ErrUnsupported
}

func (f *fakeProvider) ListSessions(_ context.Context) ([]sandbox.SessionDescriptor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sandbox.SessionDescriptor
	for id, state := range f.sessions {
		out = append(out, sandbox.SessionDescriptor{ID: id, Provider: f.name, State: state})
	}
	return out, nil
}

func (f *fakeProvider) counts() (creates, pauses, resumes, destroys int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.creates, f.pauses, f.resumes, f.destroys
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func cloudProfile() *config.Profile {
	return &config.Profile{
		Name:     "cloud",
		Provider: config.ProviderE2B,
		E2B:      &config.E2BProfile{APIKey: "test-key"},
	}
}

func newTestManager(t *testing.T, fake *fakeProvider, profiles map[string]*config.Profile) (*Manager, *memStore) {
	t.Helper()
	store := newMemStore()
	m, err := NewManager(Options{
		Store:    store,
		Profiles: profiles,
		Logger:   testLogger(),
		Factory: func(_ *config.Profile, _ *slog.Logger) (sandbox.Provider, error) {
			return fake, nil
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	return m, store
}

func TestResolveCreatesOnFirstUse(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	sbx, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if sbx.SessionID() != "sbx-1" {
		t.Errorf("session id = %q, want %q", sbx.SessionID(), "sbx-1")
	}

	record, err := store.Get(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if record.Status != StatusRunning {
		t.Errorf("status = %s, want %s", record.Status, StatusRunning)
	}
	if record.Provider != config.ProviderE2B {
		t.Errorf("provider = %q, want %q", record.Provider, config.ProviderE2B)
	}
}

func TestResolveCacheHitSkipsProvider(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	first, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	second, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve (cached): %v", err)
	}
	if first != second {
		t.Error("cache hit should return the same handle")
	}
	if creates, _, resumes, _ := fake.counts(); creates != 1 || resumes != 0 {
		t.Errorf("creates = %d, resumes = %d, want 1, 0", creates, resumes)
	}
}

func TestResolveReconnectsAcrossRestart(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	first, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// A second manager over the same store stands in for a process restart.
	m2, err := NewManager(Options{
		Store:    store,
		Profiles: map[string]*config.Profile{"cloud": profile},
		Logger:   testLogger(),
		Factory: func(_ *config.Profile, _ *slog.Logger) (sandbox.Provider, error) {
			return fake, nil
		},
	})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	second, err := m2.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve after restart: %v", err)
	}
	if second.SessionID() != first.SessionID() {
		t.Errorf("session id = %q, want %q", second.SessionID(), first.SessionID())
	}
	if creates, _, _, _ := fake.counts(); creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}
}

func TestResolveResumesPausedSession(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Pause(ctx, "thread-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	sbx, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve (paused): %v", err)
	}
	if sbx.SessionID() != "sbx-1" {
		t.Errorf("session id = %q, want %q (same session)", sbx.SessionID(), "sbx-1")
	}
	record, _ := store.Get(ctx, "thread-1")
	if record.Status != StatusRunning {
		t.Errorf("status = %s, want %s", record.Status, StatusRunning)
	}
	if creates, pauses, resumes, _ := fake.counts(); creates != 1 || pauses != 1 || resumes != 1 {
		t.Errorf("creates/pauses/resumes = %d/%d/%d, want 1/1/1", creates, pauses, resumes)
	}
}

func TestResolveSelfHealsReapedSession(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	profile.ContextID = "ctx-files"
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Pause(ctx, "thread-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	// The provider reaps the paused session behind our back.
	fake.mu.Lock()
	delete(fake.sessions, "sbx-1")
	fake.mu.Unlock()

	sbx, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve (reaped): %v", err)
	}
	if sbx.SessionID() == "sbx-1" {
		t.Error("expected a fresh session after the provider reaped the old one")
	}

	record, _ := store.Get(ctx, "thread-1")
	if record.Status != StatusRunning {
		t.Errorf("status = %s, want %s", record.Status, StatusRunning)
	}
	if record.ContextID != "ctx-files" {
		t.Errorf("context id = %q, want %q (carried over)", record.ContextID, "ctx-files")
	}
	if creates, _, _, _ := fake.counts(); creates != 2 {
		t.Errorf("creates = %d, want 2", creates)
	}
}

func TestPauseUnsupportedIsCached(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.pauseErr = sandbox.ErrUnsupported
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := m.Pause(ctx, "thread-1"); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Fatalf("Pause = %v, want ErrUnsupported", err)
	}
	if err := m.Pause(ctx, "thread-1"); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Fatalf("Pause (cached) = %v, want ErrUnsupported", err)
	}
	if _, pauses, _, _ := fake.counts(); pauses != 1 {
		t.Errorf("pauses = %d, want 1 (second call served from cache)", pauses)
	}

	// The session stays running; unsupported is a result, not a failure.
	record, _ := store.Get(ctx, "thread-1")
	if record.Status != StatusRunning {
		t.Errorf("status = %s, want %s", record.Status, StatusRunning)
	}
}

func TestPauseNotFoundMarksRecordError(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	fake.mu.Lock()
	delete(fake.sessions, "sbx-1")
	fake.mu.Unlock()

	if err := m.Pause(ctx, "thread-1"); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("Pause = %v, want ErrNotFound", err)
	}
	record, _ := store.Get(ctx, "thread-1")
	if record.Status != StatusError {
		t.Errorf("status = %s, want %s", record.Status, StatusError)
	}

	// Next resolve recovers with a fresh session.
	sbx, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve (recovery): %v", err)
	}
	if sbx.SessionID() == "sbx-1" {
		t.Error("expected a fresh session after recovery")
	}
}

func TestPauseDestroyedSessionFails(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Destroy(ctx, "thread-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if err := m.Pause(ctx, "thread-1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Pause after destroy = %v, want ErrNoRecord", err)
	}
}

func TestDestroyDeletesRecord(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Destroy(ctx, "thread-1"); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := store.Get(ctx, "thread-1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get after destroy = %v, want ErrNoRecord", err)
	}
	if _, _, _, destroys := fake.counts(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

func TestLookupProviderForThread(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, _, ok := m.LookupProviderForThread(ctx, "unknown"); ok {
		t.Error("unknown thread should fall back to local")
	}

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	provider, sessionID, ok := m.LookupProviderForThread(ctx, "thread-1")
	if !ok {
		t.Fatal("expected a provider for a resolved thread")
	}
	if provider != config.ProviderE2B || sessionID != "sbx-1" {
		t.Errorf("lookup = %q/%q, want %q/%q", provider, sessionID, config.ProviderE2B, "sbx-1")
	}

	// A local thread routes nowhere.
	if _, err := m.Resolve(ctx, "thread-local", config.LocalProfile()); err != nil {
		t.Fatalf("Resolve local: %v", err)
	}
	if _, _, ok := m.LookupProviderForThread(ctx, "thread-local"); ok {
		t.Error("local thread should report no remote provider")
	}
}

func TestConcurrentResolveCreatesOneSession(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.createDelay = 20 * time.Millisecond
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sbx, err := m.Resolve(ctx, "thread-1", profile)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			ids[i] = sbx.SessionID()
		}(i)
	}
	wg.Wait()

	if creates, _, _, _ := fake.counts(); creates != 1 {
		t.Errorf("creates = %d, want 1", creates)
	}
	for i, id := range ids {
		if id != ids[0] {
			t.Errorf("ids[%d] = %q, want %q", i, id, ids[0])
		}
	}
}

func TestCreateFailureRemovesPlaceholder(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.createErr = errors.New("quota exhausted")
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err == nil {
		t.Fatal("expected create failure")
	}
	if _, err := store.Get(ctx, "thread-1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get = %v, want ErrNoRecord (placeholder removed)", err)
	}
}

func TestCreateTimeoutMarksRecordError(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.createDelay = 200 * time.Millisecond
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.Resolve(ctx, "thread-1", profile); err == nil {
		t.Fatal("expected timeout")
	}

	// The session may or may not exist provider-side; the record says so.
	record, err := store.Get(context.Background(), "thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %s, want %s", record.Status, StatusError)
	}

	// A later resolve retries from scratch.
	fake.mu.Lock()
	fake.createDelay = 0
	fake.mu.Unlock()
	if _, err := m.Resolve(context.Background(), "thread-1", profile); err != nil {
		t.Fatalf("Resolve (retry): %v", err)
	}
	if creates, _, _, _ := fake.counts(); creates != 2 {
		t.Errorf("creates = %d, want 2", creates)
	}
}

func TestDestroyAllRequiresConfirmation(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})

	if _, err := m.DestroyAll(context.Background(), false); !errors.Is(err, ErrConfirmationRequired) {
		t.Errorf("DestroyAll = %v, want ErrConfirmationRequired", err)
	}
}

func TestDestroyAllAggregates(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	unconfigured := &config.Profile{Name: "day", Provider: config.ProviderDaytona}
	m, store := newTestManager(t, fake, map[string]*config.Profile{
		"cloud": profile,
		"day":   unconfigured,
	})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := m.Resolve(ctx, "thread-2", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	result, err := m.DestroyAll(ctx, true)
	if err != nil {
		t.Fatalf("DestroyAll: %v", err)
	}
	if result.Attempted != 2 || result.Succeeded != 2 {
		t.Errorf("attempted/succeeded = %d/%d, want 2/2", result.Attempted, result.Succeeded)
	}
	if len(result.Skipped) != 1 || result.Skipped[0] != config.ProviderDaytona {
		t.Errorf("skipped = %v, want [daytona]", result.Skipped)
	}

	records, _ := store.List(ctx)
	if len(records) != 0 {
		t.Errorf("records left = %d, want 0", len(records))
	}
}

func TestShutdownAppliesOnExitPolicy(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile() // on_exit defaults to pause
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	record, _ := store.Get(ctx, "thread-1")
	if record.Status != StatusPaused {
		t.Errorf("status = %s, want %s", record.Status, StatusPaused)
	}
}

func TestShutdownDestroysWhenPauseUnsupported(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.pauseErr = sandbox.ErrUnsupported
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// A provider that can't pause must not leak a running session.
	if _, err := store.Get(ctx, "thread-1"); !errors.Is(err, ErrNoRecord) {
		t.Errorf("Get = %v, want ErrNoRecord (session destroyed)", err)
	}
	if _, _, _, destroys := fake.counts(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
}

func TestFindByPrefix(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := m.Resolve(ctx, "thread-2", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	match, err := m.FindByPrefix(ctx, "sbx-1")
	if err != nil {
		t.Fatalf("FindByPrefix: %v", err)
	}
	if match.SessionID != "sbx-1" || match.ThreadID != "thread-1" {
		t.Errorf("match = %q/%q, want sbx-1/thread-1", match.SessionID, match.ThreadID)
	}

	if _, err := m.FindByPrefix(ctx, "sbx"); err == nil {
		t.Error("ambiguous prefix should error")
	}
	if _, err := m.FindByPrefix(ctx, "nope"); err == nil {
		t.Error("unmatched prefix should error")
	}
}

func TestExecNotFoundInvalidatesRecord(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	sbx, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	// The provider reaps the running session behind our back.
	fake.mu.Lock()
	delete(fake.sessions, "sbx-1")
	fake.mu.Unlock()

	if _, err := sbx.Execute(ctx, "echo hi", 0); !errors.Is(err, sandbox.ErrNotFound) {
		t.Fatalf("Execute = %v, want ErrNotFound", err)
	}

	// The record must not keep claiming a session the provider doesn't have.
	record, err := store.Get(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %s, want %s", record.Status, StatusError)
	}

	// The next resolve bypasses the cache and recreates.
	fresh, err := m.Resolve(ctx, "thread-1", profile)
	if err != nil {
		t.Fatalf("Resolve (recovery): %v", err)
	}
	if fresh.SessionID() == "sbx-1" {
		t.Error("expected a fresh session, got the dead one back")
	}
	if creates, _, _, _ := fake.counts(); creates != 2 {
		t.Errorf("creates = %d, want 2", creates)
	}
	record, _ = store.Get(ctx, "thread-1")
	if record.Status != StatusRunning {
		t.Errorf("status = %s, want %s", record.Status, StatusRunning)
	}
}

// timeoutError mimics a transport that gave up waiting for a response.
type timeoutError struct{}

func (timeoutError) Error() string   { return "request timed out awaiting response" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestCreateTransportTimeoutKeepsRecord(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.createErr = fmt.Errorf("e2b: create: %w", timeoutError{})
	profile := cloudProfile()
	m, store := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err == nil {
		t.Fatal("expected create failure")
	}

	// The cloud may have created a session whose response we lost; the record
	// stays, marked error, instead of being deleted and inviting a blind
	// double-provision.
	record, err := store.Get(ctx, "thread-1")
	if err != nil {
		t.Fatalf("Get = %v, want an error-status record", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %s, want %s", record.Status, StatusError)
	}

	// A later resolve retries through error → creating.
	fake.mu.Lock()
	fake.createErr = nil
	fake.mu.Unlock()
	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve (retry): %v", err)
	}
	if creates, _, _, _ := fake.counts(); creates != 2 {
		t.Errorf("creates = %d, want 2", creates)
	}
}

func TestResolveResumeUnsupportedIsCached(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	fake.resumeErr = sandbox.ErrUnsupported
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if err := m.Pause(ctx, "thread-1"); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	if _, err := m.Resolve(ctx, "thread-1", profile); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Fatalf("Resolve (paused) = %v, want ErrUnsupported", err)
	}
	if _, err := m.Resolve(ctx, "thread-1", profile); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Fatalf("Resolve (cached) = %v, want ErrUnsupported", err)
	}
	if _, _, resumes, _ := fake.counts(); resumes != 1 {
		t.Errorf("resumes = %d, want 1 (second attempt served from cache)", resumes)
	}
}

func TestMetricsUnsupportedIsSticky(t *testing.T) {
	fake := newFakeProvider(config.ProviderE2B)
	profile := cloudProfile()
	m, _ := newTestManager(t, fake, map[string]*config.Profile{"cloud": profile})
	ctx := context.Background()

	if _, err := m.Resolve(ctx, "thread-1", profile); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := m.Metrics(ctx, "thread-1"); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Errorf("Metrics = %v, want ErrUnsupported", err)
	}
	if _, err := m.Metrics(ctx, "thread-1"); !errors.Is(err, sandbox.ErrUnsupported) {
		t.Errorf("Metrics (cached) = %v, want ErrUnsupported", err)
	}
}
