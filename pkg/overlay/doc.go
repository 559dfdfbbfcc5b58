// Package overlay manages the lifecycle of device-tree overlay instances.
//
// # Overview
//
// An Instance is created empty by the Registry. Writing its path attribute
// runs a one-shot chain against the collaborators:
//
//  1. Load - Firmware.Request fetches the blob named by the path
//  2. Unflatten - Engine.Unflatten parses the blob; the tree is marked detached
//  3. Resolve - Engine.Resolve rewrites phandle references
//  4. Apply - Engine.Apply grafts the tree and returns a handle id
//
// The chain runs to completion or is rolled back before WritePath returns.
// On failure the tree and the blob are released in reverse acquisition order,
// the path is cleared, and the originating error kind is returned; the
// instance then accepts another write. Once applied, the path is fixed for the
// life of the instance and further writes fail with ErrPermissionDenied.
//
// Destroying an instance tears it down in a fixed order: the applied overlay
// is removed (best effort, failures are logged), then the blob and the tree
// are released. Each resource is released exactly once.
//
// # Collaborators
//
// The package does not parse blobs or merge trees itself. It depends on:
//
//	type Firmware interface {
//	    Request(ctx context.Context, name string) (Blob, error)
//	    Release(blob Blob)
//	}
//
//	type Engine interface {
//	    Unflatten(ctx context.Context, data []byte) (Tree, error)
//	    Resolve(ctx context.Context, tree Tree) error
//	    Apply(ctx context.Context, tree Tree, sizeHint int) (int, error)
//	    Remove(ctx context.Context, id int) error
//	    ReleaseTree(tree Tree)
//	}
//
// pkg/firmware and pkg/fdt provide implementations.
//
// # Errors
//
// All errors are *Error values classified by Kind. Use errors.Is with the
// sentinels:
//
//	if errors.Is(err, overlay.ErrPermissionDenied) {
//	    // path already applied
//	}
package overlay
