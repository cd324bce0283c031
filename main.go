package main

import "github.com/openade/broker/cmd"

func main() {
	cmd.Execute()
}
