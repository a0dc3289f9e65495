package main

import (
	"os"

	"github.com/nuetzliches/prefork/internal/app"
)

func main() {
	os.Exit(app.Main(os.Args))
}
