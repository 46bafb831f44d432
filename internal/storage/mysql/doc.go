// Package mysql persists the trusted signer keys in MySQL. It owns the
// embedded schema migrations and hydrates the in-memory key registry used by
// the signature verifier at startup.
package mysql
