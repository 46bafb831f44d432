// Package config loads the plugin host's YAML configuration: the admin
// server, logging, the runtime profile, signature verification policy, the
// trusted key source, capability backends, event publishing and the plugins
// to load at startup.
package config
