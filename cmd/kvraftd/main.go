package main

import (
	"os"

	"github.com/sidecus/raftkv/util"
)

func main() {
	defer util.Sync()

	if err := newRootCommand().Execute(); err != nil {
		util.L().Errorw("exiting", "error", err)
		os.Exit(1)
	}
}
