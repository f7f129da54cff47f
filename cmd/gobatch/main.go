package main

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/3leaps/gobatch/internal/cmd"
)

// Build-time values injected via -ldflags.
var (
	version   = "dev"
	commit    = "HEAD"
	buildDate = "unknown"
)

var exitCodeRe = regexp.MustCompile(`\(exit code (\d+)\)$`)

func main() {
	cmd.SetVersionInfo(version, commit, buildDate)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)

		code := 1
		if m := exitCodeRe.FindStringSubmatch(err.Error()); m != nil {
			if n, perr := strconv.Atoi(m[1]); perr == nil {
				code = n
			}
		}
		os.Exit(code)
	}
}
