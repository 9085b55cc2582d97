// Command xdpctl is an operator CLI for the ingress datapath's
// AttachDetachService: attach or detach the shared filter program,
// register a queue, or print live queue stats. This is a thin typed RPC
// client, not a flag-parsing framework — every subcommand maps to exactly
// one RPC.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/vexor/ingress/internal/admin"
)

func main() {
	addr := flag.String("addr", "localhost:9091", "admin gRPC address")
	identity := flag.String("identity", "", "socket identity (uuid) for the register subcommand")
	fd := flag.Int("fd", -1, "registering socket's file descriptor, valid in the admin surface's own process")
	mode := flag.String("mode", "driver", "attach mode sent with the attach subcommand (the service attaches in its configured mode)")
	mtls := flag.Bool("mtls", false, "authenticate with the admin surface via SPIFFE mTLS")
	trustDomain := flag.String("trust-domain", "", "SPIFFE trust domain, required with -mtls")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: xdpctl [-addr=host:port] <attach|detach|register|stats>")
		os.Exit(2)
	}

	dialOpt := grpc.WithTransportCredentials(insecure.NewCredentials())
	if *mtls {
		source, err := admin.NewSPIFFESource(workloadSocketPath(), *trustDomain, "")
		if err != nil {
			log.Fatalf("xdpctl: spiffe source: %v", err)
		}
		defer source.Close()
		dialOpt = source.DialOption()
	}

	conn, err := grpc.NewClient(*addr, dialOpt)
	if err != nil {
		log.Fatalf("xdpctl: dial %s: %v", *addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch flag.Arg(0) {
	case "attach":
		resp := new(admin.AttachResponse)
		if err := invoke(ctx, conn, "Attach", &admin.AttachRequest{Mode: *mode}, resp); err != nil {
			log.Fatalf("xdpctl: attach: %v", err)
		}
		printJSON(resp)
	case "detach":
		resp := new(admin.DetachResponse)
		if err := invoke(ctx, conn, "Detach", &admin.DetachRequest{}, resp); err != nil {
			log.Fatalf("xdpctl: detach: %v", err)
		}
		printJSON(resp)
	case "register":
		if *identity == "" {
			fmt.Fprintln(os.Stderr, "xdpctl: register requires -identity=<uuid>")
			os.Exit(2)
		}
		resp := new(admin.RegisterResponse)
		if err := invoke(ctx, conn, "Register", &admin.RegisterRequest{Identity: *identity, Fd: int32(*fd)}, resp); err != nil {
			log.Fatalf("xdpctl: register: %v", err)
		}
		printJSON(resp)
	case "stats":
		resp := new(admin.StatsResponse)
		if err := invoke(ctx, conn, "Stats", &admin.StatsRequest{}, resp); err != nil {
			log.Fatalf("xdpctl: stats: %v", err)
		}
		printJSON(resp)
	default:
		fmt.Fprintf(os.Stderr, "xdpctl: unknown subcommand %q\n", flag.Arg(0))
		os.Exit(2)
	}
}

// invoke issues a unary RPC against the AttachDetachService using the
// jsonCodec registered by the admin package's init(), bypassing the need
// for a protoc-generated client stub.
func invoke(ctx context.Context, conn *grpc.ClientConn, method string, req, resp interface{}) error {
	fullMethod := fmt.Sprintf("/ingress.admin.AttachDetachService/%s", method)
	return conn.Invoke(ctx, fullMethod, req, resp, grpc.CallContentSubtype("json"))
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}

func workloadSocketPath() string {
	if p := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); p != "" {
		return p
	}
	return "unix:///tmp/spire-agent/public/api.sock"
}
