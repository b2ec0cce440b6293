package main

import (
	"log"
	"os"

	"github.com/remote-agent-terminal/client/internal/devserver"
)

func main() {
	port := getEnv("PORT", "8080")
	srv := devserver.New()
	if err := srv.Run(":" + port); err != nil {
		log.Fatalf("Failed to start devserver: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
