// Package main provides the swarmrun binary entry point. Swarmrun drives
// projects through phased multi-agent workflows backed by NATS JetStream.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360studio/swarmrun/commands"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\n%s\n", r, buf[:n])
			os.Exit(2)
		}
	}()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := commands.NewRoot().ExecuteContext(ctx)
	if err == nil {
		return
	}

	var ee *commands.ExitError
	if errors.As(err, &ee) {
		fmt.Fprintln(os.Stderr, ee.Error())
		os.Exit(ee.Code())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
