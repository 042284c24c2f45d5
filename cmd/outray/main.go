package main

import "outray/internal/client/cli"

func main() {
	cli.Execute()
}
