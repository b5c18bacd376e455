package measurements

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/primevault/vaultlink/interfaces"
)

// Feed is the signed measurement document served by the feed endpoint.
type Feed struct {
	PCRs        map[string]string `json:"pcrs"`
	Version     string            `json:"version"`
	PublishedAt time.Time         `json:"published_at"`
	Signature   []byte            `json:"signature"`
	KeyID       string            `json:"key_id,omitempty"`
}

// CanonicalInput builds the byte string the feed signature covers: sorted
// NAME=lowerhex lines followed by a version line, joined with newlines.
// Signer (cmd/feedsign) and verifier must agree on this exact form.
func CanonicalInput(pcrs map[string]string, version string) []byte {
	lines := make([]string, 0, len(pcrs)+1)
	for _, name := range registerNames(pcrs) {
		lines = append(lines, name+"="+strings.ToLower(pcrs[name]))
	}
	lines = append(lines, "version="+version)
	return []byte(strings.Join(lines, "\n"))
}

// Verify checks the feed signature against the trust-anchor public key.
func (f *Feed) Verify(anchor ed25519.PublicKey) error {
	if len(f.Signature) == 0 {
		return fmt.Errorf("%w: measurement feed is unsigned", interfaces.ErrSecurity)
	}
	if !ed25519.Verify(anchor, CanonicalInput(f.PCRs, f.Version), f.Signature) {
		return fmt.Errorf("%w: measurement feed signature invalid", interfaces.ErrSecurity)
	}
	return nil
}

// Sign produces the feed signature with the trust-anchor private key.
// Used by the feed signing tool, never by the client at runtime.
func Sign(pcrs map[string]string, version string, key ed25519.PrivateKey) []byte {
	return ed25519.Sign(key, CanonicalInput(pcrs, version))
}

// toSet converts the feed's values into a stored measurement set.
func (f *Feed) toSet() *Set {
	values := make(map[string]string, len(f.PCRs))
	for name, digest := range f.PCRs {
		values[name] = strings.ToLower(digest)
	}
	return &Set{Values: values, Version: f.Version, PublishedAt: f.PublishedAt}
}

// doFetch pulls and decodes the feed document.
func doFetch(client *http.Client, req *http.Request) (*Feed, error) {
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching measurement feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("measurement feed returned %d: %s", resp.StatusCode, body)
	}

	var feed Feed
	if err := json.NewDecoder(resp.Body).Decode(&feed); err != nil {
		return nil, fmt.Errorf("decoding measurement feed: %w", err)
	}
	return &feed, nil
}
