// Package policy admits or denies overlay sources with Open Policy Agent.
//
// Every enabled policy is a Rego module whose deny set is evaluated against
// an Input document:
//
//	{"instance": "uart-fix", "path": "overlays/uart.dtbo", "context": {...}}
//
// A deny entry is either a string or an object with "message" and
// "severity". Entries of error or critical severity block the request;
// the rest are reported as warnings.
//
// # Built-in Policies
//
//   - source-traversal: rejects absolute paths and ".." segments
//   - source-extension: requires one of data.dtoverlay.config.extensions,
//     optionally followed by .zst or .gz
//   - instance-naming: warns about names outside [a-z0-9_.-]
//
// # Usage
//
//	eng, err := policy.NewEngine(logger, policy.Options{})
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, []string{"/etc/dtoverlay/policies"}); err != nil {
//	    return err
//	}
//	fw := policy.NewAdmission(loader, eng, logger)
//
// Admission implements overlay.Firmware, so it slots in front of any loader.
package policy
