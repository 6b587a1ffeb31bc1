package main

import (
	"os"

	"jobqueue/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
