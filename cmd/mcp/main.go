// Stakehold MCP Server - exposes escrow operations as MCP tools for LLMs
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/mark3labs/mcp-go/server"

	"github.com/mbd888/stakehold/internal/auth"
	"github.com/mbd888/stakehold/internal/mcpserver"
)

// Version is set by ldflags.
var Version = "dev"

func main() {
	_ = godotenv.Load()

	keyHex := os.Getenv("STAKEHOLD_SIGNER_KEY")
	if keyHex == "" {
		fmt.Fprintln(os.Stderr, "STAKEHOLD_SIGNER_KEY is required")
		os.Exit(1)
	}
	signer, err := auth.KeypairFromHex(keyHex)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid STAKEHOLD_SIGNER_KEY: %v\n", err)
		os.Exit(1)
	}

	cfg := mcpserver.Config{
		APIURL: envOrDefault("STAKEHOLD_API_URL", "http://localhost:8080"),
		Signer: signer,
	}

	// Stdout carries the MCP protocol, so diagnostics go to stderr.
	fmt.Fprintf(os.Stderr, "stakehold MCP server acting as %s against %s\n", signer.Address().Hex(), cfg.APIURL)

	s := mcpserver.NewMCPServer(cfg, Version)
	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "MCP server error: %v\n", err)
		os.Exit(1)
	}
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
