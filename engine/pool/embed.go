package pool

import _ "embed"

// runnerScript is the standalone Python runner shipped inside the worker
// binary and written next to the venvs at spawn time. It has no dependency
// on host-side code: it runs under the bundle's own interpreter.
//
//go:embed runner.py
var runnerScript []byte
