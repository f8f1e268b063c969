package main

import (
	"log"

	"github.com/austindbirch/outreach/cmd/outreachctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
