package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/stagehand/stagehand/pkg/cli"
)

var version = "dev"

func main() {
	err := cli.ExecuteWithVersion(context.Background(), version)
	if err == nil {
		return
	}
	// pipeline failures already reported their exit status
	var coder cli.ExitCoder
	if !errors.As(err, &coder) {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	os.Exit(cli.ExitCode(err))
}
