// Package modules implements module discovery and the enable/disable
// lifecycle of the Haven control plane.
//
// A module is a directory under the modules root containing a compose
// file whose x-haven block declares the module's metadata, services and
// configurable environment variables. The Registry parses descriptors
// fresh on every query; the Manager owns the persisted enabled set and
// serializes lifecycle operations per module id.
package modules
