package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		msg, code := describeError(err)
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
		os.Exit(code)
	}
}
