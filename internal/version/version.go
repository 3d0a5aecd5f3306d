// Package version carries the build version, set via -ldflags.
package version

import (
	"fmt"
	"io"
	"runtime"
)

var Version = "dev"

// Print writes the version banner for binaryName.
func Print(w io.Writer, binaryName string) {
	if w == nil {
		w = io.Discard
	}
	fmt.Fprintf(w, "%s %s (%s, %s/%s)\n", binaryName, Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
