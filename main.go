package main

import "github.com/foundryhq/foundry-agent/cmd"

func main() {
	cmd.Execute()
}
