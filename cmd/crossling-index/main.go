package main

import "github.com/kailas-cloud/crossling/internal/cli"

func main() {
	cli.Execute()
}
