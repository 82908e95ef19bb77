// Command keymint runs the license issuance and validation service.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"keymint/internal/app"
)

func main() {
	// Missing .env is fine; production configures through real env vars.
	_ = godotenv.Load()

	application, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keymint: %v\n", err)
		os.Exit(1)
	}

	if err := application.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "keymint: %v\n", err)
		os.Exit(1)
	}
}
