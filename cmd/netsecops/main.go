package main

import (
	"os"

	"github.com/jaybodecode/netsecops.dev-sub001/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
