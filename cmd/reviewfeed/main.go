package main

import (
	"os"

	"github.com/nkkko/reviewfeed/cmd/reviewfeed/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
