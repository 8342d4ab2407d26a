package main

import "github.com/meterhub/p1d/cmd/p1d/cmd"

func main() {
	cmd.Execute()
}
