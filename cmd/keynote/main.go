package main

import "github.com/nozsavsev/keynote-realtime/internal/cli"

func main() {
	cli.Execute()
}
