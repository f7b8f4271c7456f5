package main

import "github.com/illmade-knight/go-batchsink/cmd/sinkd/cmd"

func main() {
	cmd.Execute()
}
