// Package gavel is the worker-side library for sandboxed artifacts.
//
// A worker running under the gavel execution supervisor performs no
// side effect directly. Instead it declares each side-effecting intent
// over the structured channel the supervisor provides (file descriptors
// 3 and 4) and blocks until the supervisor returns a verdict. A denied
// intent terminates the run, so a worker that asks before acting can
// never perform an action policy forbids.
//
// Usage:
//
//	s, err := gavel.Connect()
//	if err != nil {
//	    // not running under a supervisor
//	}
//	if err := s.Request(gavel.CapabilityFilesystemWrite, "out/result.txt", nil); err != nil {
//	    // denied; the process is about to be terminated
//	}
//	// permitted: perform the write inside the confinement root
package gavel
