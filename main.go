package main

import "github.com/notargets/pstream/cmd"

func main() {
	cmd.Execute()
}
