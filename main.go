package main

import "audioingest/cmd"

func main() {
	cmd.Execute()
}
