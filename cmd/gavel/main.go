package main

import "github.com/nkarpov/gavel/internal/cli"

func main() {
	cli.Execute()
}
