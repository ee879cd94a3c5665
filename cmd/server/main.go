package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/zoozapp/trust-engine/internal/app/runtime"
)

func main() {
	configPath := flag.String("config", "", "path to optional YAML config file")
	flag.Parse()

	if err := runtime.Run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "trust-engine: %v\n", err)
		os.Exit(1)
	}
}
