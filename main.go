package main

import "github.com/nextlevelbuilder/tinycrab/cmd"

func main() {
	cmd.Execute()
}
