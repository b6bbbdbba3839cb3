package version

// CacheFormatVersion is the semver of the on-disk layer cache layout.
//
// Bump the major for:
//   - blob directory layout changes
//   - cache key derivation changes
//   - index schema changes that old binaries cannot read
//
// Don't bump for:
//   - CLI-only changes
//   - bug fixes not affecting stored blobs or keys
const CacheFormatVersion = "1.0.0"

// CacheFormatConstraint is what a running binary accepts. A cache directory
// whose recorded version does not satisfy it is treated as empty.
const CacheFormatConstraint = "^1"
