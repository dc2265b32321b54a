package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/kizimba/internal/config"
	"github.com/jkaninda/kizimba/internal/observability"
	"github.com/jkaninda/kizimba/internal/sandbox"
)

const (
	defaultWorkers    = 4
	defaultMetricsTTL = 15 * time.Second
	metricsCacheSize  = 256

	// touchInterval rate-limits LastActive writes on the resolve hot path:
	// cache hits only touch the store when the last write is older than this.
	touchInterval = 5 * time.Minute
)

// ErrConfirmationRequired is returned by DestroyAll without the confirm flag.
var ErrConfirmationRequired = errors.New("destroy-all is irreversible and requires explicit confirmation")

// ProviderFactory builds a Provider from a profile. Injectable so tests can
// construct managers over mock providers.
type ProviderFactory func(profile *config.Profile, logger *slog.Logger) (sandbox.Provider, error)

// Options configures a Manager.
type Options struct {
	Store    Store
	Profiles map[string]*config.Profile // By profile name. Validated at construction.
	Logger   *slog.Logger

	// Factory defaults to sandbox.NewProvider.
	Factory ProviderFactory

	// Metrics receives lifecycle counters when observability is enabled.
	Metrics *observability.MetricsCollector

	// Workers bounds bulk-operation fan-out. Default: 4.
	Workers int

	// MetricsTTL bounds how long resource snapshots are served from cache so
	// a polling UI doesn't hammer provider metrics APIs. Default: 15s.
	MetricsTTL time.Duration
}

// Manager owns the durable thread→session table and mediates every lifecycle
// transition. Store access is serialized per thread; provider RPCs always run
// outside any store critical section, so distinct threads proceed fully in
// parallel.
type Manager struct {
	store    Store
	profiles map[string]*config.Profile
	logger   *slog.Logger
	factory  ProviderFactory
	metrics  *observability.MetricsCollector
	workers  int

	mu          sync.Mutex
	threadLocks map[string]*sync.Mutex
	cache       map[string]*cacheEntry
	providers   map[string]sandbox.Provider // Keyed by provider discriminator.
	unsupported map[string]struct{}         // provider/session/op — process-lifetime by design.

	metricsCache *expirable.LRU[string, *sandbox.Metrics]
}

// cacheEntry is the in-memory resolution of one thread. Best-effort: a stale
// entry is corrected by the NotFound self-healing path, never trusted into a
// hard failure.
type cacheEntry struct {
	handle    *sandbox.Sandbox
	provider  string
	sessionID string
	profile   *config.Profile
	touched   time.Time
}

// NewManager validates every profile and builds the manager. Configuration
// problems (unknown discriminator, malformed profile) surface here, not at
// first use.
func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil {
		return nil, errors.New("session: store is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Factory == nil {
		opts.Factory = sandbox.NewProvider
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MetricsTTL <= 0 {
		opts.MetricsTTL = defaultMetricsTTL
	}
	profiles := opts.Profiles
	if profiles == nil {
		profiles = map[string]*config.Profile{}
	}
	for _, p := range profiles {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}

	return &Manager{
		store:        opts.Store,
		profiles:     profiles,
		logger:       opts.Logger,
		factory:      opts.Factory,
		metrics:      opts.Metrics,
		workers:      opts.Workers,
		threadLocks:  make(map[string]*sync.Mutex),
		cache:        make(map[string]*cacheEntry),
		providers:    make(map[string]sandbox.Provider),
		unsupported:  make(map[string]struct{}),
		metricsCache: expirable.NewLRU[string, *sandbox.Metrics](metricsCacheSize, nil, opts.MetricsTTL),
	}, nil
}

// lockThread serializes lifecycle work per thread id. Distinct threads are
// untouched by each other's provider latency.
func (m *Manager) lockThread(threadID string) func() {
	m.mu.Lock()
	l, ok := m.threadLocks[threadID]
	if !ok {
		l = &sync.Mutex{}
		m.threadLocks[threadID] = l
	}
	m.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Resolve returns the Sandbox backing a thread, creating or resuming the
// provider session as needed. The hot path is a pure cache hit with zero
// store or provider calls.
func (m *Manager) Resolve(ctx context.Context, threadID string, profile *config.Profile) (*sandbox.Sandbox, error) {
	if threadID == "" {
		return nil, errors.New("session: thread id is required")
	}
	if profile == nil {
		profile = config.LocalProfile()
	}

	unlock := m.lockThread(threadID)
	defer unlock()

	m.mu.Lock()
	entry := m.cache[threadID]
	m.mu.Unlock()
	if entry != nil {
		m.touch(ctx, threadID, entry)
		return entry.handle, nil
	}

	record, err := m.store.Get(ctx, threadID)
	switch {
	case errors.Is(err, ErrNoRecord):
		return m.createSession(ctx, threadID, profile, nil)
	case err != nil:
		return nil, fmt.Errorf("reading session record: %w", err)
	}

	switch record.Status {
	case StatusRunning:
		return m.adopt(record, profile)

	case StatusPaused:
		if m.isUnsupported(record.Provider, record.SessionID, "resume") {
			return nil, fmt.Errorf("resuming session for thread %s: %w", threadID, sandbox.ErrUnsupported)
		}
		var provider sandbox.Provider
		if profile.Provider == record.Provider {
			provider, err = m.providerForProfile(record.Provider, profile)
		} else {
			provider, err = m.providerFor(record.Provider)
		}
		if err != nil {
			return nil, err
		}
		if err := provider.ResumeSession(ctx, record.SessionID); err != nil {
			switch {
			case errors.Is(err, sandbox.ErrNotFound):
				// Externally reaped while paused. Self-heal: recreate under
				// the same thread id (and context id, so synced files come
				// back).
				m.logger.Warn("paused session gone, recreating",
					slog.String("thread_id", threadID),
					slog.String("session_id", record.SessionID),
				)
				if m.metrics != nil {
					m.metrics.SelfHealingsTotal.WithLabelValues(record.Provider).Inc()
				}
				return m.createSession(ctx, threadID, profile, record)
			case errors.Is(err, sandbox.ErrUnsupported):
				m.markUnsupported(record.Provider, record.SessionID, "resume")
				return nil, fmt.Errorf("resuming session for thread %s: %w", threadID, err)
			default:
				// Transient or permanent provider failure: durable state
				// stays untouched, the caller decides about retrying.
				return nil, err
			}
		}
		if err := record.transition(StatusRunning); err != nil {
			return nil, err
		}
		if err := m.store.Save(ctx, record); err != nil {
			return nil, fmt.Errorf("saving session record: %w", err)
		}
		return m.adopt(record, profile)

	case StatusDestroyed, StatusError, StatusCreating:
		// destroyed and error records are treated as absent; a creating
		// record means a previous attempt died mid-flight — retry the whole
		// create.
		return m.createSession(ctx, threadID, profile, record)

	default:
		return nil, fmt.Errorf("thread %s: unknown session status %q", threadID, record.Status)
	}
}

// adopt caches a live record and hands out its Sandbox. The caller's profile
// wins over the registry when it names the record's provider, so ad-hoc
// profiles work without a file in the sandbox dir.
func (m *Manager) adopt(record *Record, profile *config.Profile) (*sandbox.Sandbox, error) {
	var provider sandbox.Provider
	var err error
	if profile != nil && profile.Provider == record.Provider {
		provider, err = m.providerForProfile(record.Provider, profile)
	} else {
		provider, err = m.providerFor(record.Provider)
	}
	if err != nil {
		return nil, err
	}
	handle := sandbox.New(provider, record.SessionID, m.logger)
	// A NotFound surfacing mid-exec means the provider reaped the session
	// while the record still claims it is running. Mark the record so the
	// next resolve recreates instead of serving the same dead session.
	threadID, sessionID := record.ThreadID, record.SessionID
	handle.OnNotFound(func() {
		m.logger.Warn("session gone during exec, marking for recreate",
			slog.String("thread_id", threadID),
			slog.String("session_id", sessionID),
		)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Invalidate(ctx, threadID); err != nil {
			m.logger.Error("invalidating session record",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
		}
	})
	m.mu.Lock()
	m.cache[record.ThreadID] = &cacheEntry{
		handle:    handle,
		provider:  record.Provider,
		sessionID: record.SessionID,
		profile:   profile,
		touched:   time.Now(),
	}
	m.mu.Unlock()
	return handle, nil
}

// createSession provisions a new provider session for the thread. prev, when
// non-nil, is the existing record being replaced (error/destroyed/reaped);
// its thread identity and context id carry over.
func (m *Manager) createSession(ctx context.Context, threadID string, profile *config.Profile, prev *Record) (*sandbox.Sandbox, error) {
	provider, err := m.providerForProfile(profile.Provider, profile)
	if err != nil {
		return nil, err
	}

	contextID := profile.ContextID
	if contextID == "" && prev != nil {
		contextID = prev.ContextID
	}

	now := time.Now().UTC()
	record := &Record{
		ThreadID:   threadID,
		Provider:   profile.Provider,
		ContextID:  contextID,
		Status:     StatusCreating,
		CreatedAt:  now,
		LastActive: now,
	}
	if prev != nil {
		record.CreatedAt = prev.CreatedAt
	}
	// Claim the thread before the (slow) provider call so the at-most-one
	// invariant holds even if we crash mid-create.
	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("saving session record: %w", err)
	}

	sessionID, err := provider.CreateSession(ctx, sandbox.CreateOptions{
		ThreadID:  threadID,
		ContextID: contextID,
	})
	if err != nil {
		if createTimedOut(ctx, err) {
			// A timed-out create — the caller's deadline or the transport's
			// own — may have provisioned a session we never heard about.
			// Never blind-retry — mark the record and surface the timeout;
			// the next resolve goes through error → creating.
			record.Status = StatusError
			record.LastActive = time.Now().UTC()
			if saveErr := m.store.Save(context.WithoutCancel(ctx), record); saveErr != nil {
				m.logger.Error("saving error record after create timeout",
					slog.String("thread_id", threadID),
					slog.String("error", saveErr.Error()),
				)
			}
			return nil, fmt.Errorf("creating session for thread %s: %w", threadID, err)
		}
		// Definitive failure (refused, rejected, quota): nothing was
		// provisioned, restore the pre-call durable state.
		if prev == nil {
			if delErr := m.store.Delete(ctx, threadID); delErr != nil {
				m.logger.Error("deleting placeholder record",
					slog.String("thread_id", threadID),
					slog.String("error", delErr.Error()),
				)
			}
		} else {
			record.Status = StatusError
			_ = m.store.Save(ctx, record)
		}
		return nil, fmt.Errorf("creating session for thread %s: %w", threadID, err)
	}

	record.SessionID = sessionID
	if err := record.transition(StatusRunning); err != nil {
		return nil, err
	}
	if err := m.store.Save(ctx, record); err != nil {
		return nil, fmt.Errorf("saving session record: %w", err)
	}

	m.recordTransition(profile.Provider, StatusRunning)
	m.logger.Info("session created",
		slog.String("thread_id", threadID),
		slog.String("provider", profile.Provider),
		slog.String("session_id", sessionID),
	)
	return m.adopt(record, profile)
}

// createTimedOut reports whether a failed create is timeout-flavored: the
// caller's context expired, or the transport gave up waiting (lost response,
// HTTP client deadline). Either way the provider may have created a session
// we never heard about, so the placeholder must not be deleted.
func createTimedOut(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

// touch rate-limits LastActive updates from cache hits.
func (m *Manager) touch(ctx context.Context, threadID string, entry *cacheEntry) {
	m.mu.Lock()
	stale := time.Since(entry.touched) > touchInterval
	if stale {
		entry.touched = time.Now()
	}
	m.mu.Unlock()
	if !stale {
		return
	}
	record, err := m.store.Get(ctx, threadID)
	if err != nil {
		return
	}
	record.LastActive = time.Now().UTC()
	if err := m.store.Save(ctx, record); err != nil {
		m.logger.Warn("touching session record",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
}

// LookupProviderForThread is a pure read used to route a resumed thread to
// its sandbox backend without initializing (or contacting) any provider. It
// degrades to "local/no sandbox" on any miss: a routing decision must never
// be the reason a thread becomes unusable.
func (m *Manager) LookupProviderForThread(ctx context.Context, threadID string) (provider, sessionID string, ok bool) {
	record, err := m.store.Get(ctx, threadID)
	if err != nil || !record.Live() {
		return "", "", false
	}
	if record.Provider == config.ProviderLocal {
		return "", "", false
	}
	if m.profileForProvider(record.Provider) == nil {
		// The provider's profile file is gone — fall back silently.
		return "", "", false
	}
	return record.Provider, record.SessionID, true
}

// Invalidate marks a thread's record as inconsistent after a provider
// reported NotFound for a session the record claims is live. The next
// Resolve treats the record as absent and recreates — the self-healing path
// for externally reaped sessions.
func (m *Manager) Invalidate(ctx context.Context, threadID string) error {
	unlock := m.lockThread(threadID)
	defer unlock()

	m.dropCache(threadID)
	record, err := m.store.Get(ctx, threadID)
	if err != nil {
		if errors.Is(err, ErrNoRecord) {
			return nil
		}
		return err
	}
	if !record.Live() {
		return nil
	}
	if err := record.transition(StatusError); err != nil {
		return err
	}
	if err := m.store.Save(ctx, record); err != nil {
		return err
	}
	if m.metrics != nil {
		m.metrics.SelfHealingsTotal.WithLabelValues(record.Provider).Inc()
	}
	return nil
}

// Pause releases a thread's compute while keeping its session identity.
func (m *Manager) Pause(ctx context.Context, threadID string) error {
	return m.lifecycleOp(ctx, threadID, "pause", StatusPaused, func(p sandbox.Provider, sessionID string) error {
		return p.PauseSession(ctx, sessionID)
	})
}

// Resume brings a paused thread back to running.
func (m *Manager) Resume(ctx context.Context, threadID string) error {
	return m.lifecycleOp(ctx, threadID, "resume", StatusRunning, func(p sandbox.Provider, sessionID string) error {
		return p.ResumeSession(ctx, sessionID)
	})
}

// lifecycleOp is the shared pause/resume skeleton: validate the transition,
// consult the unsupported cache, call the provider outside any store lock,
// persist only after the provider call succeeded.
func (m *Manager) lifecycleOp(ctx context.Context, threadID, op string, target Status, call func(sandbox.Provider, string) error) error {
	unlock := m.lockThread(threadID)
	defer unlock()

	record, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, target) {
		return &TransitionError{ThreadID: threadID, From: record.Status, To: target}
	}
	if m.isUnsupported(record.Provider, record.SessionID, op) {
		return fmt.Errorf("%s session for thread %s: %w", op, threadID, sandbox.ErrUnsupported)
	}

	provider, err := m.providerFor(record.Provider)
	if err != nil {
		return err
	}
	if err := call(provider, record.SessionID); err != nil {
		switch {
		case errors.Is(err, sandbox.ErrUnsupported):
			m.markUnsupported(record.Provider, record.SessionID, op)
			return fmt.Errorf("%s session for thread %s: %w", op, threadID, err)
		case errors.Is(err, sandbox.ErrNotFound):
			// The record claims a session the provider doesn't have: mark it
			// and let the next resolve recreate.
			m.dropCache(threadID)
			if terr := record.transition(StatusError); terr == nil {
				_ = m.store.Save(ctx, record)
			}
			return fmt.Errorf("%s session for thread %s: %w", op, threadID, err)
		default:
			return err
		}
	}

	// Persist only after the provider call succeeded: a crash in between
	// leaves the record behind reality, never ahead of it.
	if err := record.transition(target); err != nil {
		return err
	}
	if err := m.store.Save(ctx, record); err != nil {
		return fmt.Errorf("saving session record: %w", err)
	}
	m.recordTransition(record.Provider, target)
	m.dropCache(threadID)
	return nil
}

// Destroy permanently removes a thread's session and deletes its record.
func (m *Manager) Destroy(ctx context.Context, threadID string) error {
	unlock := m.lockThread(threadID)
	defer unlock()

	record, err := m.store.Get(ctx, threadID)
	if err != nil {
		return err
	}
	if !CanTransition(record.Status, StatusDestroyed) {
		return &TransitionError{ThreadID: threadID, From: record.Status, To: StatusDestroyed}
	}

	provider, err := m.providerFor(record.Provider)
	if err != nil {
		return err
	}
	// NotFound is success — already gone.
	if err := provider.DestroySession(ctx, record.SessionID); err != nil {
		return err
	}

	if err := m.store.Delete(ctx, threadID); err != nil {
		return fmt.Errorf("deleting session record: %w", err)
	}
	m.dropCache(threadID)
	m.recordTransition(record.Provider, StatusDestroyed)
	m.logger.Info("session destroyed",
		slog.String("thread_id", threadID),
		slog.String("session_id", record.SessionID),
	)
	return nil
}

// Metrics returns a resource snapshot for a thread's session, cached for a
// short TTL. ErrUnsupported is sticky per (provider, session) for the
// process lifetime.
func (m *Manager) Metrics(ctx context.Context, threadID string) (*sandbox.Metrics, error) {
	record, err := m.store.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	if record.Status != StatusRunning {
		return nil, fmt.Errorf("thread %s: session is %s, not running", threadID, record.Status)
	}
	return m.sessionMetrics(ctx, record.Provider, record.SessionID)
}

func (m *Manager) sessionMetrics(ctx context.Context, providerName, sessionID string) (*sandbox.Metrics, error) {
	if m.isUnsupported(providerName, sessionID, "metrics") {
		return nil, sandbox.ErrUnsupported
	}
	key := providerName + "/" + sessionID
	if cached, ok := m.metricsCache.Get(key); ok {
		return cached, nil
	}

	provider, err := m.providerFor(providerName)
	if err != nil {
		return nil, err
	}
	metrics, err := provider.Metrics(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sandbox.ErrUnsupported) {
			m.markUnsupported(providerName, sessionID, "metrics")
		}
		return nil, err
	}
	m.metricsCache.Add(key, metrics)
	return metrics, nil
}

// SessionInfo is one row of the cross-provider session listing.
type SessionInfo struct {
	sandbox.SessionDescriptor
	ThreadID string
}

// ListOutput aggregates ListAll results. A single provider's outage lands in
// ProviderErrors instead of hiding the healthy providers' sessions.
type ListOutput struct {
	Sessions       []SessionInfo
	ProviderErrors map[string]error
}

// ListAll fans out across every configured provider's ListSessions with a
// bounded worker pool and annotates results with thread ids from the durable
// table. Unconfigured providers (missing API key) are silently excluded.
func (m *Manager) ListAll(ctx context.Context) (*ListOutput, error) {
	byThread := map[string]string{} // provider/sessionID → threadID
	if records, err := m.store.List(ctx); err == nil {
		for _, r := range records {
			byThread[r.Provider+"/"+r.SessionID] = r.ThreadID
		}
	}

	out := &ListOutput{ProviderErrors: map[string]error{}}
	var outMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for name, profile := range m.configuredProviders() {
		g.Go(func() error {
			provider, err := m.providerForProfile(name, profile)
			if err == nil {
				var sessions []sandbox.SessionDescriptor
				sessions, err = provider.ListSessions(gctx)
				if err == nil {
					outMu.Lock()
					for _, desc := range sessions {
						out.Sessions = append(out.Sessions, SessionInfo{
							SessionDescriptor: desc,
							ThreadID:          byThread[desc.Provider+"/"+desc.ID],
						})
					}
					outMu.Unlock()
					return nil
				}
			}
			m.logger.Warn("listing sessions failed",
				slog.String("provider", name),
				slog.String("error", err.Error()),
			)
			outMu.Lock()
			out.ProviderErrors[name] = err
			outMu.Unlock()
			return nil // Per-provider isolation: never abort the batch.
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(out.Sessions, func(i, j int) bool {
		if out.Sessions[i].Provider != out.Sessions[j].Provider {
			return out.Sessions[i].Provider < out.Sessions[j].Provider
		}
		return out.Sessions[i].ID < out.Sessions[j].ID
	})
	return out, nil
}

// BulkFailure is one per-session failure of a bulk operation.
type BulkFailure struct {
	Provider  string
	SessionID string
	Err       error
}

// BulkResult aggregates a destroy-all run. Unconfigured providers are listed
// in Skipped and not counted as attempted.
type BulkResult struct {
	Attempted int
	Succeeded int
	Failures  []BulkFailure
	Skipped   []string
}

// DestroyAll destroys every session of every configured provider. Providers
// fan out in parallel (bounded); sessions within one provider go
// sequentially, since a provider's own API isn't assumed to be safely
// concurrent. Irreversible, hence the confirm flag.
func (m *Manager) DestroyAll(ctx context.Context, confirm bool) (*BulkResult, error) {
	if !confirm {
		return nil, ErrConfirmationRequired
	}

	result := &BulkResult{}
	var resMu sync.Mutex

	configured := m.configuredProviders()
	for name, p := range m.profiles {
		if _, ok := configured[p.Provider]; !ok && p.Provider != config.ProviderLocal {
			m.logger.Warn("skipping unconfigured provider",
				slog.String("profile", name),
				slog.String("provider", p.Provider),
			)
			resMu.Lock()
			result.Skipped = append(result.Skipped, p.Provider)
			resMu.Unlock()
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.workers)
	for name, profile := range configured {
		g.Go(func() error {
			provider, err := m.providerForProfile(name, profile)
			if err != nil {
				resMu.Lock()
				result.Failures = append(result.Failures, BulkFailure{Provider: name, Err: err})
				resMu.Unlock()
				return nil
			}
			sessions, err := provider.ListSessions(gctx)
			if err != nil {
				resMu.Lock()
				result.Failures = append(result.Failures, BulkFailure{Provider: name, Err: err})
				resMu.Unlock()
				return nil
			}
			for _, desc := range sessions {
				resMu.Lock()
				result.Attempted++
				resMu.Unlock()
				if err := provider.DestroySession(gctx, desc.ID); err != nil {
					m.logger.Warn("destroying session failed",
						slog.String("provider", name),
						slog.String("session_id", desc.ID),
						slog.String("error", err.Error()),
					)
					resMu.Lock()
					result.Failures = append(result.Failures, BulkFailure{Provider: name, SessionID: desc.ID, Err: err})
					resMu.Unlock()
					continue
				}
				resMu.Lock()
				result.Succeeded++
				resMu.Unlock()
				m.reconcileDestroyed(gctx, name, desc.ID)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// reconcileDestroyed deletes the durable record (and cache entry) backing a
// session destroyed through a bulk operation.
func (m *Manager) reconcileDestroyed(ctx context.Context, providerName, sessionID string) {
	records, err := m.store.List(ctx)
	if err != nil {
		return
	}
	for _, r := range records {
		if r.Provider == providerName && r.SessionID == sessionID {
			m.dropCache(r.ThreadID)
			if err := m.store.Delete(ctx, r.ThreadID); err != nil {
				m.logger.Warn("deleting record for destroyed session",
					slog.String("thread_id", r.ThreadID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}

// ListRecords returns the durable session table.
func (m *Manager) ListRecords(ctx context.Context) ([]*Record, error) {
	return m.store.List(ctx)
}

// Shutdown applies each cached live session's on-exit policy, in parallel
// with the same bounded pool as the other bulk operations. Threads this
// process never touched are left alone.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	threads := make(map[string]*cacheEntry, len(m.cache))
	for id, e := range m.cache {
		threads[id] = e
	}
	m.mu.Unlock()

	g := &errgroup.Group{}
	g.SetLimit(m.workers)
	for threadID, entry := range threads {
		if entry.provider == config.ProviderLocal {
			continue
		}
		g.Go(func() error {
			m.applyExitPolicy(ctx, threadID, entry.profile)
			return nil
		})
	}
	return g.Wait()
}

// applyExitPolicy pauses or destroys one thread's session per its profile.
// When the policy is pause but the provider can't, the session is destroyed
// instead: a forgotten running remote session is a cost and security leak.
func (m *Manager) applyExitPolicy(ctx context.Context, threadID string, profile *config.Profile) {
	policy := config.OnExitPause
	if profile != nil {
		policy = profile.Policy()
	}

	if policy == config.OnExitPause {
		err := m.Pause(ctx, threadID)
		if err == nil {
			return
		}
		if !errors.Is(err, sandbox.ErrUnsupported) {
			m.logger.Warn("on-exit pause failed",
				slog.String("thread_id", threadID),
				slog.String("error", err.Error()),
			)
			return
		}
		m.logger.Warn("pause unsupported, destroying session instead",
			slog.String("thread_id", threadID),
		)
	}
	if err := m.Destroy(ctx, threadID); err != nil {
		m.logger.Warn("on-exit destroy failed",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// --- prefix matching (session tooling) ---

// Match resolves a session-id prefix to exactly one session across all
// configured providers. Ids are opaque, so an ambiguous prefix errors rather
// than guessing.
type Match struct {
	Provider  string
	SessionID string
	ThreadID  string
}

func (m *Manager) FindByPrefix(ctx context.Context, prefix string) (*Match, error) {
	if prefix == "" {
		return nil, errors.New("session id prefix is required")
	}
	out, err := m.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	var matches []*Match
	for _, s := range out.Sessions {
		if strings.HasPrefix(s.ID, prefix) {
			matches = append(matches, &Match{Provider: s.Provider, SessionID: s.ID, ThreadID: s.ThreadID})
		}
	}
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("no session matches prefix %q", prefix)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("ambiguous prefix %q matches %d sessions", prefix, len(matches))
	}
}

// Detached lifecycle operations for sessions that have no thread record
// (e.g. created by another tool). They go straight to the provider; the
// unsupported cache still applies.

func (m *Manager) PauseDetached(ctx context.Context, providerName, sessionID string) error {
	return m.detachedOp(ctx, providerName, sessionID, "pause", sandbox.Provider.PauseSession)
}

func (m *Manager) ResumeDetached(ctx context.Context, providerName, sessionID string) error {
	return m.detachedOp(ctx, providerName, sessionID, "resume", sandbox.Provider.ResumeSession)
}

func (m *Manager) DestroyDetached(ctx context.Context, providerName, sessionID string) error {
	provider, err := m.providerFor(providerName)
	if err != nil {
		return err
	}
	return provider.DestroySession(ctx, sessionID)
}

// SessionMetrics reads metrics for a session by provider and id, with the
// same TTL cache as the thread-keyed path.
func (m *Manager) SessionMetrics(ctx context.Context, providerName, sessionID string) (*sandbox.Metrics, error) {
	return m.sessionMetrics(ctx, providerName, sessionID)
}

func (m *Manager) detachedOp(ctx context.Context, providerName, sessionID, op string, call func(sandbox.Provider, context.Context, string) error) error {
	if m.isUnsupported(providerName, sessionID, op) {
		return sandbox.ErrUnsupported
	}
	provider, err := m.providerFor(providerName)
	if err != nil {
		return err
	}
	if err := call(provider, ctx, sessionID); err != nil {
		if errors.Is(err, sandbox.ErrUnsupported) {
			m.markUnsupported(providerName, sessionID, op)
		}
		return err
	}
	return nil
}

// --- provider plumbing ---

// providerFor returns (building lazily) the provider instance for a
// discriminator, using the first configured profile that names it.
func (m *Manager) providerFor(name string) (sandbox.Provider, error) {
	profile := m.profileForProvider(name)
	if profile == nil && name == config.ProviderLocal {
		profile = config.LocalProfile()
	}
	if profile == nil {
		return nil, fmt.Errorf("no profile configures provider %q", name)
	}
	return m.providerForProfile(name, profile)
}

func (m *Manager) providerForProfile(name string, profile *config.Profile) (sandbox.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.providers[name]; ok {
		return p, nil
	}
	p, err := m.factory(profile, m.logger)
	if err != nil {
		return nil, err
	}
	m.providers[name] = p
	return p, nil
}

// profileForProvider finds a configured profile for a provider
// discriminator, or nil.
func (m *Manager) profileForProvider(name string) *config.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.profiles {
		if p.Provider == name && p.Configured() {
			return p
		}
	}
	return nil
}

// configuredProviders returns one configured profile per remote provider
// discriminator. Local is excluded: it has no provider-side sessions.
func (m *Manager) configuredProviders() map[string]*config.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]*config.Profile{}
	for _, p := range m.profiles {
		if p.Provider == config.ProviderLocal || !p.Configured() {
			continue
		}
		if _, ok := out[p.Provider]; !ok {
			out[p.Provider] = p
		}
	}
	return out
}

func (m *Manager) dropCache(threadID string) {
	m.mu.Lock()
	delete(m.cache, threadID)
	m.mu.Unlock()
}

func (m *Manager) recordTransition(provider string, to Status) {
	if m.metrics != nil {
		m.metrics.TransitionsTotal.WithLabelValues(provider, string(to)).Inc()
	}
}

func unsupportedKey(provider, sessionID, op string) string {
	return provider + "/" + sessionID + "/" + op
}

// markUnsupported records a capability gap so repeated UI refreshes don't
// re-attempt the same failing call. In-memory only: a provider tier change
// between runs must not get a stale answer.
func (m *Manager) markUnsupported(provider, sessionID, op string) {
	m.mu.Lock()
	m.unsupported[unsupportedKey(provider, sessionID, op)] = struct{}{}
	m.mu.Unlock()
}

func (m *Manager) isUnsupported(provider, sessionID, op string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.unsupported[unsupportedKey(provider, sessionID, op)]
	return ok
}
