package main

import "github.com/agentic-research/starfield/cmd"

func main() {
	cmd.Execute()
}
