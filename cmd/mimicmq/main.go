package main

import "github.com/mimicmq/mimicmq/internal/cmd"

func main() {
	cmd.Execute()
}
