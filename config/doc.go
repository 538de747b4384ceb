// Package config implements the hierarchical, shared, mutable configuration
// tree described in spec §4.4: string/callback/symbolic-link leaves, an
// ordered child map, glob-based browsing, and recursive merge. Every
// Channel exposes a subtree of this type as its static (url) and live
// (info.*) state.
package config
