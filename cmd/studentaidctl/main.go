package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/bluesgg/student-aid-v0.3-sub002/internal/client"
)

var rootCmd = &cobra.Command{
	Use:   "studentaidctl",
	Short: "studentaidctl - drive page generation sessions",
	Long: `studentaidctl talks to the page generation service: it starts sessions for a
document, moves their window as the reader navigates and follows progress until
the session finishes.`,
	SilenceUsage: true,
}

var (
	serverAddr    string
	userID        string
	clientTimeout time.Duration
)

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", envOr("STUDENTAID_SERVER", "http://127.0.0.1:8080"), "API server address")
	rootCmd.PersistentFlags().StringVar(&userID, "user", envOr("STUDENTAID_USER", ""), "User id sent as X-User-ID")
	rootCmd.PersistentFlags().DurationVar(&clientTimeout, "timeout", 30*time.Second, "Per-request timeout")

	rootCmd.AddCommand(startCmd, statusCmd, updateCmd, cancelCmd, activeCmd, watchCmd, followCmd)
}

func newClient() *client.Client {
	return client.New(serverAddr, userID, clientTimeout)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
