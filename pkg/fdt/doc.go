// Package fdt decodes flattened device tree blobs and maintains an in-memory
// live tree that overlays can be grafted onto and reverted from.
//
// LiveTree implements overlay.Engine:
//
//	live := fdt.NewLiveTree(base, logger)
//	reg, err := overlay.NewRegistry(overlay.Config{Engine: live, Firmware: loader})
//
// Overlays follow the usual layout: each fragment@N child carries a target
// phandle or a target-path and an __overlay__ body. Phandle references are
// linked with __fixups__, __local_fixups__ and __symbols__ before apply.
//
// Errors are *Error values with an errno; Code returns it negated.
package fdt
