// Command credentiald runs the credential issuance and settlement server.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/auth"
	"github.com/Aether-Connect-Labs/AcademicChain-Ledger-sub002/pkg/config"
)

const version = "0.4.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable so tests can replace the server.
var startServer = runServer

// Run dispatches the subcommand in args and returns the exit code.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stdout, stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stdout, stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "token":
		return runTokenCmd(args[2:], stdout, stderr)
	case "version":
		_, _ = fmt.Fprintln(stdout, "credentiald", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: credentiald <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	printCommand(w, "serve", "Run the issuance server (default)")
	printCommand(w, "health", "Check a running server's health endpoint")
	printCommand(w, "token", "Sign an institution bearer token (--institution, --subject, --ttl, --roles)")
	printCommand(w, "version", "Show version information")
	printCommand(w, "help", "Show this help")
}

func printCommand(w io.Writer, name, desc string) {
	fmt.Fprintf(w, "  %-10s %s\n", name, desc)
}

func runHealthCmd(stdout, stderr io.Writer) int {
	cfg := config.Load()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost:" + cfg.Port + "/health")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = fmt.Fprintf(stderr, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "OK")
	return 0
}

// runTokenCmd signs a token with JWT_SECRET for local use.
func runTokenCmd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	fs.SetOutput(stderr)
	institutionID := fs.String("institution", "", "institution id bound to the token (REQUIRED)")
	subject := fs.String("subject", "registrar", "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	roles := fs.String("roles", "", "comma-separated roles, e.g. admin")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *institutionID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --institution is required")
		return 2
	}

	cfg := config.Load()
	v := auth.NewValidator([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if v == nil {
		_, _ = fmt.Fprintln(stderr, "Error: JWT_SECRET is not set")
		return 1
	}
	var roleList []string
	for _, r := range strings.Split(*roles, ",") {
		if r = strings.TrimSpace(r); r != "" {
			roleList = append(roleList, r)
		}
	}
	tok, err := v.Issue(*subject, *institutionID, *ttl, roleList...)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	_, _ = fmt.Fprintln(stdout, tok)
	return 0
}
