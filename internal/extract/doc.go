// Package extract unpacks student export archives.
//
// Exports arrive as zstd-compressed tarballs. The zstd stream is first
// decompressed to an intermediate tar next to the archive, which is removed
// again when extraction ends. Every member is then checked before it is
// written:
//
//   - names matching an exclusion pattern (.git, .guides, .codio by default)
//     are dropped silently
//   - names or link targets resolving outside the destination are skipped
//     with a warning
//   - members that fail to write are skipped with a warning
//
// The destination is removed and recreated first, so repeated runs never
// merge with stale content.
package extract
