package main

import (
	"os"

	"github.com/re-cinq/line/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
