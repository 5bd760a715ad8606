// Package catalog discovers the tool definitions pinned to a new
// conversation. Providers search a remote discovery service or a static
// YAML/JSON file, and CachedProvider memoises recent searches.
package catalog
