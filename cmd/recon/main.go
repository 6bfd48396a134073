package main

import (
	"os"

	"github.com/clinicops/recon/internal/cli"
)

func main() {
	os.Exit(cli.Report(cli.Execute(), os.Stderr))
}
