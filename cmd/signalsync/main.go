// Command signalsync is the client of the signal backend: a local store that
// works offline, a sync daemon, and commands to publish and answer signals.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
