// Package metrics exposes the plugin host's Prometheus metrics: admin API
// traffic, host transitions, loaded plugins and signature verification
// outcomes. Collectors are registered on a caller supplied registry.
package metrics
