// Package redis provides the Redis backed key/value store used by the kv
// plugin capability.
package redis
