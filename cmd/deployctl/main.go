package main

import (
	"os"
)

func main() {
	if err := newRoot().Command().Execute(); err != nil {
		os.Exit(1)
	}
}
