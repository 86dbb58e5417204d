// caskd is the Codex bridge daemon.
package main

import (
	"os"

	"github.com/wiretap-dev/ccb/internal/daemon"
)

func main() {
	os.Exit(daemon.Bootstrap("cask"))
}
