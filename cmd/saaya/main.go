package main

import (
	"os"

	"saaya/internal/cli"

	_ "saaya/internal/native"
)

func main() {
	os.Exit(cli.Execute())
}
