package main

import "github.com/conneroisu/simplegpt/cmd"

func main() {
	cmd.Execute()
}
