package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/tallychat/tally/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	args := flag.Args()
	if len(args) == 0 || args[0] != "status" {
		printUsage()
		os.Exit(1)
	}

	socketPath := session.SocketPath(sessionName)
	conn, err := grpc.NewClient("unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: cannot reach client for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}
	defer func() { _ = conn.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: no client running for session %q: %v\n", sessionName, err)
		os.Exit(1)
	}

	if *jsonFlag {
		out, _ := json.Marshal(map[string]string{
			"session": sessionName,
			"status":  resp.Status.String(),
		})
		fmt.Println(string(out))
		return
	}
	fmt.Printf("session: %s\nstatus:  %s\n", sessionName, resp.Status)

	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: tallyctl [--session <name>] [--json] status")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status    Check the running client's health endpoint")
}
