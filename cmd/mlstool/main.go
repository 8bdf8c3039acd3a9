package main

import (
	"os"

	"github.com/suhasHere/mlscore/cmd/mlstool/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
