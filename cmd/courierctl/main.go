package main

import (
	"log"

	"newscourier/cmd/courierctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
