package main

import "github.com/ponyo877/chatrelay/server/cmd"

func main() {
	cmd.Execute()
}
