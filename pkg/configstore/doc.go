// Package configstore derives the editable configuration surface from
// the module registry and enabled set, and manages the shared KEY=VALUE
// environment file behind an allowlist.
//
// The schema and allowlist are never persisted: both are recomputed from
// the currently enabled modules on every call, so enabling or disabling
// a module immediately changes which keys are writable. Writes are
// fail-closed: an update containing any key outside the allowlist is
// rejected in full before anything touches disk.
package configstore
