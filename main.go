// sandbox2 supervises untrusted native code: it compiles a declarative
// policy into a seccomp-bpf filter, spawns the code in a jailed child
// through a persistent forkserver, monitors every disallowed syscall,
// and exposes a typed remote-call interface into the running sandboxee.
//
// Commands:
//
//	run     - Spawn a sandboxee under a policy and wait for its result
//	disasm  - Compile a policy and print the filter program
//	version - Print version information
//
// When started with the SANDBOX2_FORKSERVER environment marker the
// binary instead serves the forkserver protocol on its inherited
// bootstrap descriptor; that is how `run` uses this same binary as its
// default helper.
package main

import (
	"fmt"
	"os"

	"sandbox2/cmd"
	"sandbox2/forkserver"
	"sandbox2/sandboxee"
)

func main() {
	if os.Getenv(forkserver.BootstrapEnv) != "" {
		if err := forkserverMain(); err != nil {
			fmt.Fprintln(os.Stderr, "sandbox2 forkserver:", err)
			os.Exit(1)
		}
		return
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "sandbox2:", err)
		os.Exit(1)
	}
}

// forkserverMain serves spawn requests until the supervisor shuts the
// helper down. The stub registry starts empty; binaries embedding a
// native library register their cgo shims here before serving.
func forkserverMain() error {
	stub := sandboxee.NewStub()
	stub.RegisterAllocator()
	return forkserver.Serve(stub, stub)
}
