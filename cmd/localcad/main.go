package main

import "github.com/blockadesystems/localca/cmd/localcad/cmd"

func main() {
	cmd.Execute()
}
