package main

import (
	"os"

	"clinicguard/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
