package main

import (
	"os"

	"github.com/go-delve/symsnap/cmd/symsnap/cmds"
	"github.com/go-delve/symsnap/pkg/logflags"
)

func main() {
	defer logflags.Close()
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
