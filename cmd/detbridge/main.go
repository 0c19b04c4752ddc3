// Package main is the entry point for detbridge.
// detbridge serves exported detection graphs through ONNX Runtime.
package main

import (
	"os"

	"github.com/softlens/detbridge/cmd/detbridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
