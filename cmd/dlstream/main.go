// Command dlstream streams HTTP downloads as events, either to a local
// file or to WebSocket clients of the relay.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/adamwoolhether/dlstream/stream"
)

// Version is set via ldflags during build.
var Version = "dev"

func main() {
	cmd := newRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps a failed transfer's code to a process exit status.
func exitCode(err error) int {
	if errors.Is(err, context.Canceled) {
		return 130
	}

	se, ok := errors.AsType[*stream.Error](err)
	if !ok {
		return 1
	}

	switch se.Code {
	case stream.CodeInvalidArgument:
		return 2
	case stream.CodeDownloadSizeExceeded:
		return 3
	default:
		return 1
	}
}
