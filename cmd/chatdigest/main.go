package main

import "github.com/vietddude/chatdigest/internal/cli"

func main() {
	cli.Execute()
}
