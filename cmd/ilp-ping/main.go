// ilp-ping is a diagnostic client: it connects to a connector as a peer,
// sends one prepare toward a destination and reports the round trip. The
// condition is derived from a random preimage, so unless the destination is
// the node holding that preimage the expected answer is a reject; reachability
// and timing are what the tool measures.
package main

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/ilpmesh/connector/internal/btp"
	"github.com/ilpmesh/connector/internal/forward"
	"github.com/ilpmesh/connector/internal/ilp"
)

func main() {
	url := flag.String("url", "ws://localhost:7768", "connector BTP endpoint")
	localID := flag.String("id", "ping", "peer id to authenticate as")
	secret := flag.String("secret", "", "auth secret for the peer id")
	destination := flag.String("dest", "", "ILP destination address")
	amount := flag.Uint64("amount", 1, "amount to prepare")
	timeout := flag.Duration("timeout", 10*time.Second, "round-trip timeout")
	trace := flag.Bool("trace", true, "attach a hop trace block")
	flag.Parse()

	if *destination == "" || !ilp.ValidAddress(ilp.Address(*destination)) {
		fmt.Fprintln(os.Stderr, "a valid -dest address is required")
		os.Exit(2)
	}

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	transport := btp.Dial(btp.Config{
		LocalID:   *localID,
		PeerID:    "remote",
		URL:       *url,
		AuthToken: *secret,
		Logger:    quiet,
	})
	defer transport.Close()

	fmt.Printf("connecting to %s as %q... ", *url, *localID)
	deadline := time.Now().Add(*timeout)
	for !transport.Ready() {
		if time.Now().After(deadline) {
			fmt.Println("\033[31m[FAIL]\033[0m")
			fmt.Fprintf(os.Stderr, "  >> no READY transport within %s (state %s)\n", *timeout, transport.State())
			os.Exit(1)
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("\033[32m[OK]\033[0m")

	var preimage [ilp.ConditionLen]byte
	if _, err := rand.Read(preimage[:]); err != nil {
		fmt.Fprintf(os.Stderr, "could not generate preimage: %v\n", err)
		os.Exit(1)
	}

	prepare := &ilp.Prepare{
		Amount:             *amount,
		Destination:        ilp.Address(*destination),
		ExecutionCondition: sha256.Sum256(preimage[:]),
		ExpiresAt:          time.Now().Add(*timeout),
	}
	if *trace {
		prepare.Data = forward.NewTraceData(nil)
	}

	fmt.Printf("prepare %d -> %s... ", *amount, *destination)
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	resp, err := transport.SendPacket(ctx, prepare, prepare.ExpiresAt)
	elapsed := time.Since(start).Round(time.Microsecond)
	if err != nil {
		fmt.Println("\033[31m[FAIL]\033[0m")
		fmt.Fprintf(os.Stderr, "  >> transport error after %s: %v\n", elapsed, err)
		os.Exit(1)
	}

	switch pkt := resp.(type) {
	case *ilp.Fulfill:
		fmt.Println("\033[32m[FULFILLED]\033[0m")
		fmt.Printf("  rtt=%s\n", elapsed)
	case *ilp.Reject:
		fmt.Printf("\033[33m[REJECTED]\033[0m %s\n", pkt.Code)
		fmt.Printf("  rtt=%s triggeredBy=%s message=%q\n", elapsed, pkt.TriggeredBy, pkt.Message)
	}
}
