package main

import "github.com/styrene-lab/styrene-meshd/cmd/meshd"

func main() {
	meshd.Execute()
}
