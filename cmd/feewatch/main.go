package main

import "fee-insights/internal/cli"

func main() {
	cli.Execute()
}
