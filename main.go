package main

import "github.com/coralogyx/loom/cmd"

func main() {
	cmd.Execute()
}
