package main

import "github.com/mihaisavezi/claude-openai-bridge/cmd"

func main() {
	cmd.Execute()
}
