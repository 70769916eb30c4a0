// Command flowrun loads a flow container file, links it against the
// sample runtime, and runs a named handler, printing its accept/decline
// verdict.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/ktstephano/gvm-flow/flow"
	"github.com/ktstephano/gvm-flow/flow/container"
	"github.com/ktstephano/gvm-flow/flow/runtime_sample"
)

var (
	handlerName = flag.String("handler", "main", "name of the handler to run")
	dump        = flag.Bool("dump", false, "dump the program's pools and disassembly before running")
)

func init() {
	flag.Parse()
}

func main() {
	args := flag.Args()
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: flowrun [-handler name] [-dump] <container-file>")
		os.Exit(2)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun:", err)
		os.Exit(1)
	}

	program, err := container.Decode(data)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun: decoding container:", err)
		os.Exit(1)
	}

	if err := program.Link(runtime_sample.New()); err != nil {
		fmt.Fprintln(os.Stderr, "flowrun: link:", err)
		os.Exit(1)
	}

	if *dump {
		program.Dump()
	}

	handler, ok := program.FindHandler(*handlerName)
	if !ok {
		fmt.Fprintf(os.Stderr, "flowrun: no such handler: %s\n", *handlerName)
		os.Exit(1)
	}

	verdict, err := runHandler(handler)
	if err != nil {
		fmt.Fprintln(os.Stderr, "flowrun: execution error:", err)
		os.Exit(1)
	}

	if verdict {
		fmt.Println("accept")
	} else {
		fmt.Println("decline")
	}
}

func runHandler(h *flow.Handler) (verdict bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("flowrun: runner panic: %v", rec)
		}
	}()
	runner := h.CreateRunner()
	return runner.Run()
}
