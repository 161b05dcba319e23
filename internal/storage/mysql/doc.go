// Package mysql persists terminal proof requests. It provides a MySQL backed
// ProofRepository with embedded schema migrations and a memory repository that
// optionally mirrors records to a JSON lines file for local development.
package mysql
