package main

import (
	"log"

	"github.com/austindbirch/inbox_hooks/cmd/inboxctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
