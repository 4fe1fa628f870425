package main

import "github.com/hearthd/hearth/cmd/hearthd/cmd"

func main() {
	cmd.Execute()
}
