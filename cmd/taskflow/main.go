// Command taskflow runs and inspects a taskflow engine backed by Redis or SQLite.
package main

import (
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
