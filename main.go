package main

import "github.com/agentic-research/reseller/cmd"

func main() {
	cmd.Execute()
}
