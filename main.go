package main

import (
	"os"

	"wavelite/cli"
)

func main() {
	os.Exit(cli.Execute())
}
