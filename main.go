package main

import "github.com/edgeflare/loadbench/cmd/loadbench"

func main() {
	loadbench.Main()
}
