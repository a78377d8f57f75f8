package main

import "github.com/nub-live/authflow/cmd/authflow/cmd"

func main() {
	cmd.Execute()
}
