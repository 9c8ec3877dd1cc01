package main

import (
	"flag"
	"fmt"
	"os"

	"wispchat/internal/app"
)

func main() {
	defaultServer := envOrDefault("WISPCHAT_SERVER", "http://127.0.0.1:8080")
	defaultNick := envOrDefault("WISPCHAT_NICK", "")

	serverURL := flag.String("server", defaultServer, "server base URL (e.g., http://localhost:8080)")
	nickname := flag.String("nick", defaultNick, "display name shown next to your messages")
	flag.Parse()

	args := flag.Args()
	var roomKey string
	if len(args) >= 1 {
		roomKey = args[0]
	}

	cfg := app.ClientConfig{
		ServerURL: *serverURL,
		RoomKey:   roomKey,
		Nickname:  *nickname,
	}

	if err := app.RunClient(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
