package main

import "github.com/nextlevelbuilder/kbot/cmd"

func main() {
	cmd.Execute()
}
