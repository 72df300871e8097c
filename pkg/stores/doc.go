// Package stores persists the audit log and stream event history in
// SQLite, with schema migrations embedded in the binary. The store is
// consumed through narrow interfaces (an audit sink, an event log) so
// callers can run without persistence entirely.
package stores
