package main

import "zkarchive/cmd"

func main() {
	cmd.Execute()
}
