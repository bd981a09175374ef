package main

import "github.com/jywlabs/conclave/cmd"

func main() {
	cmd.Execute()
}
