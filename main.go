package main

import (
	"github.com/xkilldash9x/harvestbot/cmd"
)

func main() {
	cmd.Execute()
}
