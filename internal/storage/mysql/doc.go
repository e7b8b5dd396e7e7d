// Package mysql holds the MySQL plumbing shared by the escrow ledger store and
// the submission store: connection pooling, embedded schema migrations and
// driver error classification.
package mysql
