package main

import "github.com/arcward/tagbot/cmd"

func main() {
	cmd.Execute()
}
