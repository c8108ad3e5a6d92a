package main

import "bus-tracker/cmd/tracker/cmd"

func main() {
	cmd.Execute()
}
