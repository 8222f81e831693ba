/*
Package bridge connects a sandboxed js/wasm module to the host object model.

# Overview

A module built for the js/wasm target imports a fixed set of functions from the
"go" namespace. Each import receives a single argument, the module's stack pointer,
and reads its inputs from and writes its results to linear memory at fixed offsets
from it. The bridge implements those imports and the run loop around them:

  - Memory accessor: little-endian reads and writes on the instance's live memory,
    re-acquired on every access because growth may move it.
  - Reference table: host values handed to the module are identified by a 32-bit
    id. Ids 0-7 are reserved, strings and symbols are interned, objects are tagged.
  - Value codec: values cross memory as 8-byte slots. Numbers travel as raw
    float64, everything else as a quiet NaN whose low word is a reference id.
  - Dispatch table: the named imports, see [Bridge.Imports].
  - Run loop: [Bridge.Run] calls the module's entry point, then re-enters it each
    time a scheduled timer fires or the resume callback is invoked, until the
    module exits or no wake-up can ever arrive.

# Usage

	b := bridge.New(bridge.Config{
		Args:   []string{"js", "-v"},
		Stdout: os.Stdout,
		Stderr: os.Stderr,
		Logger: logger,
	})
	inst, err := ld.Instantiate(ctx, mod, b.Imports())
	if err != nil {
		return err
	}
	defer inst.Close(ctx)
	if err := b.Run(ctx, inst); err != nil {
		return err
	}
	os.Exit(int(b.ExitCode()))

# Errors

Host failures inside valueCall, valueInvoke and valueNew are caught and handed to
the module as the boxed error value. Anything that breaks the calling convention
(out-of-range memory, unknown reference ids, property access on a non-object) is a
[*FatalError]: the import panics, the panic unwinds the module and Run returns it.

A bridge runs exactly one instance once. It is not reusable.
*/
package bridge
