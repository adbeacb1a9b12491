package main

import (
	"os"

	"github.com/psantana5/spotguard/cmd/spotguard/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
