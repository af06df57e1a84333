package main

import "github.com/hickar/mailpost/internal/cli"

func main() {
	cli.Execute()
}
