package main

import "defi-agents/internal/cli"

func main() {
	cli.Execute()
}
