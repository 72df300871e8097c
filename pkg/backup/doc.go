// Package backup archives the control-plane state and module
// configuration into timestamped tarballs, optionally sealed with
// AES-256-GCM under a scrypt-derived key.
//
// Service data volumes are deliberately excluded: backups cover what is
// needed to reconstruct a host's configuration, not its bulk data. All
// archive names are validated against a strict pattern before any
// filesystem access, and creation is serialized so concurrent requests
// cannot collide.
package backup
