package main

import "github.com/curaious/forge/cmd"

func main() {
	cmd.Execute()
}
