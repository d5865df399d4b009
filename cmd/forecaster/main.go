package main

import "github.com/keilynrp/Trading-Observer/internal/cli"

func main() {
	cli.Execute()
}
