package main

import (
	"log"

	"github.com/austindbirch/harbor_dispatch/cmd/dispatchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
