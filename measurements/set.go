package measurements

import (
	"sort"
	"strings"
	"time"
)

// Standard register names for the measurable boot/code stages.
const (
	PCR0 = "PCR0" // enclave image
	PCR1 = "PCR1" // kernel and boot
	PCR2 = "PCR2" // application
	PCR3 = "PCR3" // IAM role; optional, absent outside cloud deployments
)

// Set is one generation of trusted measurements. Values map register names
// to lowercase hex digests. Sets are immutable once stored.
type Set struct {
	Values      map[string]string `json:"values"`
	Version     string            `json:"version"`
	PublishedAt time.Time         `json:"published_at"`
}

// Matches compares actual measurements against the set field-by-field with
// case-insensitive hex comparison. Registers listed in optional are excluded
// from the comparison when absent from the expected set.
func (s *Set) Matches(actual map[string]string, optional map[string]bool) bool {
	if s == nil || len(s.Values) == 0 {
		return false
	}
	for name, want := range s.Values {
		if want == "" && optional[name] {
			continue
		}
		got, ok := lookupFold(actual, name)
		if !ok || !strings.EqualFold(got, want) {
			return false
		}
	}
	return true
}

func lookupFold(m map[string]string, name string) (string, bool) {
	if v, ok := m[name]; ok {
		return v, true
	}
	for k, v := range m {
		if strings.EqualFold(k, name) {
			return v, true
		}
	}
	return "", false
}

// registerNames returns the set's register names in sorted order.
func registerNames(values map[string]string) []string {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Document is a parsed remote attestation statement: the measurements the
// peer claims to be running. Verification of the document's own signature
// chain happens upstream; this package only judges the claimed values.
type Document struct {
	PCRs      map[string]string `json:"pcrs"`
	ModuleID  string            `json:"module_id,omitempty"`
	Timestamp time.Time         `json:"timestamp,omitempty"`
}
