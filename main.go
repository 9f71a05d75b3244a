package main

import "github.com/parley-sh/parley/cmd"

func main() {
	cmd.Execute()
}
