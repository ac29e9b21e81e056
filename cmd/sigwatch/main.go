package main

import "sigwatch/internal/cli"

func main() {
	cli.Execute()
}
