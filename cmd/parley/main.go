// Command parley runs the Parley chat server: REST API, realtime websocket gateway and metrics.
package main

import (
	"log"

	"parley/cmd/internal/app"
)

func main() {
	if err := app.Run(); err != nil {
		log.Fatal(err)
	}
}
