package main

import (
	"os"

	"horse.fit/bibcluster/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
