// Package cache defines the disk-backed store that owns the
// PackagesFolder/<name>/<version>/<file> tree. Writes go through a temp file
// plus rename so readers never observe a partially written artifact or
// manifest, and Scan rebuilds the package index from the manifests on disk at
// startup. Both the publish path and the uplink pull-through path depend on
// this package instead of touching the filesystem directly.
package cache
