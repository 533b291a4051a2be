package main

import (
	"os"

	"horse.fit/modelx/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
