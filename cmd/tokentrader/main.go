package main

import "token-trader/internal/cli"

func main() {
	cli.Execute()
}
