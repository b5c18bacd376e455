package measurements

import (
	"context"
	"crypto/ed25519"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/atomic"

	"github.com/primevault/vaultlink/interfaces"
)

const (
	// DefaultRefreshInterval is the minimum time between feed fetches.
	DefaultRefreshInterval = 24 * time.Hour

	// DefaultGracePeriod bounds how long the previous generation keeps
	// being accepted after an update, absent fallback matches.
	DefaultGracePeriod = 48 * time.Hour
)

var trustBucket = []byte("trust")

// bundledDefault is the zero-state fallback measurement set shipped with
// the client, used until a network-sourced set has been stored.
//
//go:embed default_measurements.json
var bundledDefault []byte

// Config configures a TrustStore.
type Config struct {
	// FeedURL is the signed measurement feed endpoint.
	FeedURL string

	// AnchorKey is the embedded trust-anchor public key the feed
	// signature is verified against. When nil, feed refresh is disabled
	// entirely unless AllowUnsignedFeed is set.
	AnchorKey ed25519.PublicKey

	// AllowUnsignedFeed accepts feeds without signature verification.
	// Development use only; never enable in production builds.
	AllowUnsignedFeed bool

	// RefreshInterval gates how often CheckForUpdate actually fetches.
	RefreshInterval time.Duration

	// GracePeriod bounds the transition window during which the previous
	// measurement set is still accepted.
	GracePeriod time.Duration

	// OptionalRegisters are excluded from comparison when absent from the
	// expected set. Defaults to PCR3 (the IAM role register).
	OptionalRegisters []string

	// DBPath is the bbolt file persisting fetched sets across restarts.
	// Empty keeps state in memory only.
	DBPath string

	// Bundled overrides the embedded default measurement set.
	Bundled *Set

	HTTPClient *http.Client
	Log        *slog.Logger
}

// snapshot is the immutable two-slot state verification runs over.
// The whole snapshot is swapped atomically on update; readers never observe
// current without its matching previous.
type snapshot struct {
	Current             *Set      `json:"current"`
	Previous            *Set      `json:"previous,omitempty"`
	PreviousInstalledAt time.Time `json:"previous_installed_at,omitempty"`
}

// TrustStore tracks the trusted measurement generations and refreshes them
// from the signed feed. Verify may be called from arbitrarily many
// goroutines; updates are serialized internally.
type TrustStore struct {
	cfg      Config
	optional map[string]bool
	client   *http.Client
	log      *slog.Logger
	db       *bbolt.DB

	snap              atomic.Pointer[snapshot]
	lastChecked       atomic.Time
	lastFallbackMatch atomic.Time

	// refreshMu serializes feed refreshes. mu guards snapshot swaps and
	// persistence and is never held across network I/O; Verify does not
	// take either lock.
	refreshMu sync.Mutex
	mu        sync.Mutex
}

// New creates a trust store, loading persisted state from DBPath when
// present and falling back to the bundled default set otherwise.
func New(cfg Config) (*TrustStore, error) {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.OptionalRegisters == nil {
		cfg.OptionalRegisters = []string{PCR3}
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	ts := &TrustStore{
		cfg:      cfg,
		optional: make(map[string]bool, len(cfg.OptionalRegisters)),
		client:   cfg.HTTPClient,
		log:      cfg.Log,
	}
	for _, name := range cfg.OptionalRegisters {
		ts.optional[name] = true
	}

	bundled := cfg.Bundled
	if bundled == nil {
		bundled = &Set{}
		if err := json.Unmarshal(bundledDefault, bundled); err != nil {
			return nil, fmt.Errorf("parsing bundled measurements: %w", err)
		}
	}
	ts.snap.Store(&snapshot{Current: bundled})

	if cfg.DBPath != "" {
		db, err := bbolt.Open(cfg.DBPath, 0o600, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("opening trust store db: %w", err)
		}
		ts.db = db
		if err := ts.load(); err != nil {
			db.Close()
			return nil, err
		}
	}

	return ts, nil
}

// Close releases the backing database.
func (ts *TrustStore) Close() error {
	if ts.db == nil {
		return nil
	}
	return ts.db.Close()
}

// Snapshot returns the current and previous sets for inspection.
func (ts *TrustStore) Snapshot() (current, previous *Set) {
	snap := ts.snap.Load()
	return snap.Current, snap.Previous
}

// CheckForUpdate fetches the signed feed if the refresh interval has elapsed
// since the last successful check, verifies it, and installs new
// measurements on a version change. Fetch and verification failures fall
// back silently to stored state: they are logged, never adopted.
func (ts *TrustStore) CheckForUpdate(ctx context.Context) error {
	ts.refreshMu.Lock()
	defer ts.refreshMu.Unlock()

	now := time.Now()
	ts.mu.Lock()
	ts.expirePreviousLocked(now)
	ts.mu.Unlock()

	if now.Sub(ts.lastChecked.Load()) < ts.cfg.RefreshInterval {
		return nil
	}
	if ts.cfg.FeedURL == "" {
		return nil
	}
	if ts.cfg.AnchorKey == nil && !ts.cfg.AllowUnsignedFeed {
		ts.log.Error("measurement feed refresh disabled: no trust anchor key configured")
		return nil
	}

	// The fetch runs with no snapshot lock held; readers keep verifying
	// against the installed snapshot for its duration.
	feed, err := ts.fetch(ctx)
	if err != nil {
		ts.log.Warn("measurement feed fetch failed, keeping stored measurements", "err", err)
		return nil
	}

	if ts.cfg.AnchorKey != nil {
		if err := feed.Verify(ts.cfg.AnchorKey); err != nil {
			ts.log.Error("measurement feed rejected, keeping stored measurements", "err", err, "version", feed.Version)
			return nil
		}
	} else {
		ts.log.Warn("accepting unsigned measurement feed, development mode only", "version", feed.Version)
	}

	ts.lastChecked.Store(now)

	ts.mu.Lock()
	defer ts.mu.Unlock()
	snap := ts.snap.Load()
	if snap.Current != nil && snap.Current.Version == feed.Version {
		ts.persist(snap)
		return nil
	}

	next := &snapshot{
		Current:             feed.toSet(),
		Previous:            snap.Current,
		PreviousInstalledAt: now,
	}
	ts.lastFallbackMatch.Store(time.Time{})
	ts.snap.Store(next)
	ts.persist(next)

	ts.log.Info("installed new trusted measurements",
		"version", next.Current.Version,
		"previousVersion", versionOf(next.Previous))
	return nil
}

// Verify compares the peer's claimed measurements against the current set
// and, during the transition window, against the previous one. A mismatch
// against both is a hard failure: the peer must not be trusted.
//
// Verify runs over the loaded snapshot without taking locks and never waits
// on an in-flight refresh.
func (ts *TrustStore) Verify(actual map[string]string) error {
	ts.maybeExpirePrevious()
	snap := ts.snap.Load()

	if snap.Current.Matches(actual, ts.optional) {
		return nil
	}
	previous := snap.Previous
	if previous != nil && ts.previousExpired(snap, time.Now()) {
		previous = nil
	}
	if previous != nil && previous.Matches(actual, ts.optional) {
		ts.lastFallbackMatch.Store(time.Now())
		ts.log.Debug("measurements matched previous generation", "version", previous.Version)
		return nil
	}
	return fmt.Errorf("%w: no match against current%s", interfaces.ErrAttestationMismatch, previousHint(previous))
}

// VerifyDocument verifies the measurements claimed by an attestation
// document.
func (ts *TrustStore) VerifyDocument(doc *Document) error {
	return ts.Verify(doc.PCRs)
}

func (ts *TrustStore) fetch(ctx context.Context) (*Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.cfg.FeedURL, nil)
	if err != nil {
		return nil, err
	}
	return doFetch(ts.client, req)
}

// maybeExpirePrevious opportunistically drops an expired previous
// generation. Expiry here is best effort: Verify treats an expired previous
// as absent whether or not the swap has happened yet.
func (ts *TrustStore) maybeExpirePrevious() {
	snap := ts.snap.Load()
	if snap.Previous == nil || !ts.previousExpired(snap, time.Now()) {
		return
	}
	if !ts.mu.TryLock() {
		return
	}
	defer ts.mu.Unlock()
	ts.expirePreviousLocked(time.Now())
}

// previousExpired reports whether the grace window for the snapshot's
// previous generation has closed. The window is anchored at whichever is
// later: its installation or the last fallback match against it.
func (ts *TrustStore) previousExpired(snap *snapshot, now time.Time) bool {
	deadline := snap.PreviousInstalledAt
	if last := ts.lastFallbackMatch.Load(); last.After(deadline) {
		deadline = last
	}
	return !now.Before(deadline.Add(ts.cfg.GracePeriod))
}

// expirePreviousLocked drops the previous generation once no fallback
// verification has matched it within the grace period. Caller holds ts.mu.
func (ts *TrustStore) expirePreviousLocked(now time.Time) {
	snap := ts.snap.Load()
	if snap.Previous == nil || !ts.previousExpired(snap, now) {
		return
	}
	next := &snapshot{Current: snap.Current}
	ts.snap.Store(next)
	ts.persist(next)
	ts.log.Info("transition window closed, dropped previous measurements", "version", versionOf(snap.Previous))
}

func (ts *TrustStore) load() error {
	return ts.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(trustBucket)
		if err != nil {
			return err
		}
		if raw := bucket.Get([]byte("snapshot")); raw != nil {
			var snap snapshot
			if err := json.Unmarshal(raw, &snap); err != nil {
				return fmt.Errorf("parsing stored measurements: %w", err)
			}
			if snap.Current != nil {
				ts.snap.Store(&snap)
			}
		}
		if raw := bucket.Get([]byte("last_checked")); raw != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
				ts.lastChecked.Store(t)
			}
		}
		if raw := bucket.Get([]byte("last_fallback_match")); raw != nil {
			if t, err := time.Parse(time.RFC3339Nano, string(raw)); err == nil {
				ts.lastFallbackMatch.Store(t)
			}
		}
		return nil
	})
}

func (ts *TrustStore) persist(snap *snapshot) {
	if ts.db == nil {
		return
	}
	err := ts.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists(trustBucket)
		if err != nil {
			return err
		}
		raw, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte("snapshot"), raw); err != nil {
			return err
		}
		if err := bucket.Put([]byte("last_checked"), []byte(ts.lastChecked.Load().Format(time.RFC3339Nano))); err != nil {
			return err
		}
		return bucket.Put([]byte("last_fallback_match"), []byte(ts.lastFallbackMatch.Load().Format(time.RFC3339Nano)))
	})
	if err != nil {
		ts.log.Error("persisting trust store state failed", "err", err)
	}
}

func versionOf(s *Set) string {
	if s == nil {
		return ""
	}
	return s.Version
}

func previousHint(previous *Set) string {
	if previous == nil {
		return ""
	}
	return " or previous"
}
