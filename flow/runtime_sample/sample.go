// Package runtime_sample is a worked example Runtime: a handful of
// native functions bound against a flow.Registry, grounded on the
// teacher's hardware device registry (one struct per capability, looked
// up by a stable identifier) but reshaped around flow's signature-string
// lookup instead of a device table.
package runtime_sample

import (
	"fmt"
	"os"

	"github.com/ktstephano/gvm-flow/flow"
	"github.com/ktstephano/gvm-flow/flow/runtime_async"
	"github.com/ktstephano/gvm-flow/internal/signature"
)

// ioPool runs blocking syscalls (getcwd, and anything like it a future
// native function adds) off the calling Runner's goroutine, bounded so
// a flood of handlers invoking them can't pile up unboundedly.
var ioPool = runtime_async.NewPool(4, 32)

// New returns a Runtime exposing:
//
//	print(S)I     writes its argument to stdout, returns its length
//	getcwd()S     returns the process working directory
//	assert(BS)B   native handler: logs its message when the condition is
//	              false and, via HANDLER's accept short-circuit, ends the
//	              run immediately when true
//
// module imports are accepted unconditionally.
func New() flow.Runtime {
	reg := flow.NewRegistry()

	reg.RegisterFunction("print", signature.Int).
		Arg(signature.String).
		Bind(func(argc int, argv []uint64, r *flow.Runner) {
			s, err := r.StringAt(argv[1])
			if err != nil {
				argv[0] = 0
				return
			}
			fmt.Println(s)
			argv[0] = uint64(len(s))
		})

	reg.RegisterFunction("getcwd", signature.String).
		Bind(runtime_async.Wrap(ioPool, func(argc int, argv []uint64, r *flow.Runner) {
			wd, err := os.Getwd()
			if err != nil {
				wd = ""
			}
			argv[0] = r.CreateString(wd)
		}))

	reg.RegisterHandler("assert").
		Arg(signature.Bool).
		Arg(signature.String).
		Bind(func(argc int, argv []uint64, r *flow.Runner) {
			cond := argv[1] != 0
			msg, err := r.StringAt(argv[2])
			if err != nil {
				msg = ""
			}
			if !cond {
				fmt.Fprintf(os.Stderr, "assert failed: %s\n", msg)
			}
			argv[0] = argv[1]
		})

	return reg
}
