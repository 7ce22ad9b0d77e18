package main

import (
	"os"

	"github.com/rustyeddy/livetrader/cmd/trader/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
