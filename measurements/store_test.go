package measurements

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/primevault/vaultlink/interfaces"
)

var (
	v1PCRs = map[string]string{
		"PCR0": "aa11",
		"PCR1": "bb22",
		"PCR2": "cc33",
	}
	v2PCRs = map[string]string{
		"PCR0": "dd44",
		"PCR1": "ee55",
		"PCR2": "ff66",
	}
)

type feedFixture struct {
	mu     sync.Mutex
	feed   *Feed
	server *httptest.Server
}

func newFeedFixture(t *testing.T) (*feedFixture, ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	f := &feedFixture{}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.feed == nil {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(f.feed)
	}))
	t.Cleanup(f.server.Close)
	return f, pub, priv
}

func (f *feedFixture) publish(pcrs map[string]string, version string, key ed25519.PrivateKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.feed = &Feed{
		PCRs:        pcrs,
		Version:     version,
		PublishedAt: time.Now().UTC(),
		Signature:   Sign(pcrs, version, key),
	}
}

func newTestStore(t *testing.T, f *feedFixture, anchor ed25519.PublicKey, grace time.Duration) *TrustStore {
	t.Helper()
	ts, err := New(Config{
		FeedURL:         f.server.URL,
		AnchorKey:       anchor,
		RefreshInterval: time.Nanosecond,
		GracePeriod:     grace,
		DBPath:          filepath.Join(t.TempDir(), "trust.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { ts.Close() })
	return ts
}

func TestBundledDefaultIsZeroState(t *testing.T) {
	ts, err := New(Config{})
	require.NoError(t, err)
	defer ts.Close()

	current, previous := ts.Snapshot()
	require.NotNil(t, current)
	assert.Equal(t, "bundled-1.0.0", current.Version)
	assert.Nil(t, previous)
}

func TestUpdateAndTransitionWindow(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	ts := newTestStore(t, f, anchor, time.Hour)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))
	require.NoError(t, ts.Verify(v1PCRs))

	f.publish(v2PCRs, "v2", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	// Both generations verify during the grace window.
	assert.NoError(t, ts.Verify(v2PCRs))
	assert.NoError(t, ts.Verify(v1PCRs))

	current, previous := ts.Snapshot()
	assert.Equal(t, "v2", current.Version)
	require.NotNil(t, previous)
	assert.Equal(t, "v1", previous.Version)

	// A further update keeps only one generation of fallback.
	v3 := map[string]string{"PCR0": "0011", "PCR1": "2233", "PCR2": "4455"}
	f.publish(v3, "v3", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))
	assert.NoError(t, ts.Verify(v3))
	assert.NoError(t, ts.Verify(v2PCRs))
	assert.ErrorIs(t, ts.Verify(v1PCRs), interfaces.ErrAttestationMismatch)
}

func TestGraceWindowExpiry(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	ts := newTestStore(t, f, anchor, 20*time.Millisecond)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))
	f.publish(v2PCRs, "v2", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	require.NoError(t, ts.Verify(v1PCRs))

	time.Sleep(50 * time.Millisecond)
	assert.ErrorIs(t, ts.Verify(v1PCRs), interfaces.ErrAttestationMismatch)
	assert.NoError(t, ts.Verify(v2PCRs))

	_, previous := ts.Snapshot()
	assert.Nil(t, previous)
}

func TestInvalidFeedSignatureNeverChangesState(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	ts := newTestStore(t, f, anchor, time.Hour)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	// Feed signed by the wrong key is rejected regardless of its version.
	_, rogueKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	f.publish(v2PCRs, "v99", rogueKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	current, previous := ts.Snapshot()
	assert.Equal(t, "v1", current.Version)
	assert.Nil(t, previous)
	assert.NoError(t, ts.Verify(v1PCRs))
	assert.ErrorIs(t, ts.Verify(v2PCRs), interfaces.ErrAttestationMismatch)
}

func TestFetchFailureFallsBackSilently(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	ts := newTestStore(t, f, anchor, time.Hour)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	f.server.Close()
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	current, _ := ts.Snapshot()
	assert.Equal(t, "v1", current.Version)
	assert.NoError(t, ts.Verify(v1PCRs))
}

func TestNoAnchorKeyDisablesRefresh(t *testing.T) {
	f, _, signKey := newFeedFixture(t)
	f.publish(v1PCRs, "v1", signKey)

	ts, err := New(Config{
		FeedURL:         f.server.URL,
		RefreshInterval: time.Nanosecond,
	})
	require.NoError(t, err)
	defer ts.Close()

	require.NoError(t, ts.CheckForUpdate(context.Background()))
	current, _ := ts.Snapshot()
	assert.Equal(t, "bundled-1.0.0", current.Version)
}

func TestOptionalRegisterExcluded(t *testing.T) {
	expected := map[string]string{
		"PCR0": "aa11",
		"PCR1": "bb22",
		"PCR2": "cc33",
		"PCR3": "",
	}
	ts, err := New(Config{Bundled: &Set{Values: expected, Version: "v1"}})
	require.NoError(t, err)
	defer ts.Close()

	// PCR3 empty in the expected set: excluded from comparison.
	assert.NoError(t, ts.Verify(map[string]string{
		"PCR0": "AA11", // case-insensitive
		"PCR1": "bb22",
		"PCR2": "cc33",
	}))

	assert.ErrorIs(t, ts.Verify(map[string]string{
		"PCR0": "aa11",
		"PCR1": "bb22",
	}), interfaces.ErrAttestationMismatch)
}

func TestPersistenceAcrossRestarts(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	dbPath := filepath.Join(t.TempDir(), "trust.db")

	ts, err := New(Config{
		FeedURL:         f.server.URL,
		AnchorKey:       anchor,
		RefreshInterval: time.Nanosecond,
		DBPath:          dbPath,
	})
	require.NoError(t, err)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))
	require.NoError(t, ts.Close())

	reopened, err := New(Config{DBPath: dbPath})
	require.NoError(t, err)
	defer reopened.Close()

	current, _ := reopened.Snapshot()
	assert.Equal(t, "v1", current.Version)
	assert.NoError(t, reopened.Verify(v1PCRs))
}

func TestConcurrentVerifyDuringUpdate(t *testing.T) {
	f, anchor, signKey := newFeedFixture(t)
	ts := newTestStore(t, f, anchor, time.Hour)

	f.publish(v1PCRs, "v1", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				// Readers must always see a consistent snapshot: one of
				// the two generations verifies at every instant.
				if ts.Verify(v1PCRs) != nil && ts.Verify(v2PCRs) != nil {
					t.Error("observed inconsistent trust state")
					return
				}
			}
		}()
	}

	f.publish(v2PCRs, "v2", signKey)
	require.NoError(t, ts.CheckForUpdate(context.Background()))
	time.Sleep(20 * time.Millisecond)
	close(stop)
	wg.Wait()
}

func TestVerifyDoesNotBlockDuringRefresh(t *testing.T) {
	anchor, signKey, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var (
		mu       sync.Mutex
		feed     *Feed
		slow     bool
		fetching = make(chan struct{})
		release  = make(chan struct{})
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		f, s := feed, slow
		mu.Unlock()
		if s {
			close(fetching)
			<-release
		}
		json.NewEncoder(w).Encode(f)
	}))
	defer server.Close()

	publish := func(pcrs map[string]string, version string, stall bool) {
		mu.Lock()
		defer mu.Unlock()
		feed = &Feed{
			PCRs:        pcrs,
			Version:     version,
			PublishedAt: time.Now().UTC(),
			Signature:   Sign(pcrs, version, signKey),
		}
		slow = stall
	}

	ts, err := New(Config{
		FeedURL:         server.URL,
		AnchorKey:       anchor,
		RefreshInterval: time.Nanosecond,
		GracePeriod:     time.Hour,
		Bundled:         &Set{Values: v1PCRs, Version: "v1"},
	})
	require.NoError(t, err)
	defer ts.Close()

	// Install v2 so a previous generation exists during the slow refresh.
	publish(v2PCRs, "v2", false)
	require.NoError(t, ts.CheckForUpdate(context.Background()))

	v3 := map[string]string{"PCR0": "0011", "PCR1": "2233", "PCR2": "4455"}
	publish(v3, "v3", true)
	done := make(chan error, 1)
	go func() { done <- ts.CheckForUpdate(context.Background()) }()
	<-fetching

	// The refresh is parked inside the feed fetch; both generations must
	// keep verifying promptly.
	start := time.Now()
	assert.NoError(t, ts.Verify(v2PCRs))
	assert.NoError(t, ts.Verify(v1PCRs))
	assert.Less(t, time.Since(start), 200*time.Millisecond,
		"verification stalled behind the in-flight refresh")

	close(release)
	require.NoError(t, <-done)
	assert.NoError(t, ts.Verify(v3))
	assert.NoError(t, ts.Verify(v2PCRs))
}

func TestCanonicalInputIsStable(t *testing.T) {
	in := CanonicalInput(map[string]string{"PCR1": "BB22", "PCR0": "aa11"}, "v1")
	assert.Equal(t, "PCR0=aa11\nPCR1=bb22\nversion=v1", string(in))
}
