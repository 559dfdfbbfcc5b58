// Package namespace exposes an overlay registry as a directory tree.
//
// Each subdirectory of the root is one instance:
//
//	<root>/<name>/path     write a source identifier here to apply it
//	<root>/<name>/status   "applied" or "unapplied"
//	<root>/<name>/error    the last failure, empty after a success
//
// mkdir creates the instance, rmdir (or rm -r) removes its overlay and drops
// it. Writes to path are debounced so editors that write in several steps
// trigger a single apply.
package namespace
