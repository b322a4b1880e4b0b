package main

import "bob-ramp/internal/cli"

func main() {
	cli.Execute()
}
