package main

import "github.com/felixgeelhaar/memtrigger/cmd/memtrigger/cli"

func main() {
	cli.Execute()
}
