// Package pkg holds the pieces shared by every layer of the xHCI engine:
// component-tagged logging over [log/slog] and the sentinel errors callers
// match with [errors.Is].
//
// Records carry a "component" attribute naming the subsystem that emitted
// them:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogDebug(pkg.ComponentCommand, "command completed", "slot", 1)
//
// Errors are wrapped with the detail the caller needs, so match them by
// sentinel rather than by message:
//
//	if errors.Is(err, pkg.ErrStall) {
//	    // clear the halt on the device, then retry
//	}
package pkg
