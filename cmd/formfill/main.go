package main

import "github.com/shpitdev/formfill-pipeline/internal/cli"

func main() {
	cli.Execute()
}
