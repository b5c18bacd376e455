// Package transport turns the fire-and-forget message bus into a correlated
// request/response channel.
//
// Each call publishes a request under a per-session routing prefix and
// awaits the matching reply. The canonical correlation mechanism is a unique
// per-request reply subject carrying the request id, which makes
// misattribution impossible. A legacy compatibility path, enabled with
// Config.LegacyShapeMatch, additionally accepts replies on the shared
// per-operation reply subject and rejects those whose observable shape does
// not answer the issued operation, retrying a bounded number of times since
// the true reply may still arrive after a false one.
//
// Many calls may be pending concurrently on one bus connection; each is
// independently timed out and independently cancellable. The correlation
// table is the only shared mutable state and is guarded by a single mutex.
package transport
