package main

import "shopassist/internal/cli"

func main() {
	cli.Execute()
}
