package main

import "github.com/devlift/sdlcflow/internal/cli"

func main() {
	cli.Execute()
}
