//go:build cgo
// +build cgo

package main

import (
	"fmt"
	"os"

	"github.com/mahendrapaipuri/slurm-proxy/pkg/proxy/cli"
)

// Main entry point for `slurm_proxy` app
func main() {
	// Create a new app
	SlurmProxy, err := cli.NewSlurmProxy()
	if err != nil {
		panic("Failed to create an instance of SLURM Proxy App")
	}

	// Main entrypoint of the app
	if err := SlurmProxy.Main(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
