package main

import "github.com/irbridge/irgate/cmd/irgate/cmd"

func main() {
	cmd.Execute()
}
