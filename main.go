package main

import "github.com/metal-toolbox/provisioner/cmd"

func main() {
	cmd.Execute()
}
