package main

import "github.com/pocketbrain/pocketbrain/cmd"

func main() {
	cmd.Execute()
}
