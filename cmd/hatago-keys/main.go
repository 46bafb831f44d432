package main

import "hatago-plugin-host/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
