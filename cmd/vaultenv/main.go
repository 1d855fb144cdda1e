// Package main is the entry point for the vaultenv binary.
//
// The stock binary only sees settings declared in manifests. Projects with
// Go-declared settings build their own binary that imports their settings
// packages and calls cli.Main.
package main

import "github.com/lixenwraith/vaultenv/cli"

func main() {
	cli.Main()
}
