// Package feedserver hosts the signed measurement feed the trust store
// pulls from. It is operational tooling: the vault operator signs a feed
// with cmd/feedsign and serves it with cmd/feedserver behind this package.
//
// Besides the feed endpoint it exposes the usual liveness, readiness and
// drain endpoints for load-balanced deployments.
package feedserver
