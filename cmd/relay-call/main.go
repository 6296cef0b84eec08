// relay-call is a one-shot CLI client: it POSTs a JSON-RPC request to a
// relayd HTTP endpoint and prints the result.
//
// Usage:
//
//	relay-call -addr http://127.0.0.1:8480/rpc echo '"hello"'
//	relay-call -notify log.line '{"line":"deployed"}'
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/relaykit/relay/internal/transport/httprpc"
)

func main() {
	var (
		addr    = flag.String("addr", "http://127.0.0.1:8480/rpc", "relayd HTTP endpoint")
		notify  = flag.Bool("notify", false, "send a notify instead of a request")
		timeout = flag.Duration("timeout", 30*time.Second, "request timeout")
	)
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: relay-call [flags] <method> [params-json]")
		flag.PrintDefaults()
		os.Exit(2)
	}
	method := flag.Arg(0)

	var params any
	if flag.NArg() > 1 {
		if err := json.Unmarshal([]byte(flag.Arg(1)), &params); err != nil {
			fmt.Fprintf(os.Stderr, "invalid params JSON: %v\n", err)
			os.Exit(2)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	client := httprpc.NewClient(*addr)

	if *notify {
		if err := client.Notify(ctx, method, params); err != nil {
			fmt.Fprintf(os.Stderr, "%v\n", err)
			os.Exit(1)
		}
		return
	}

	var result json.RawMessage
	if err := client.Call(ctx, method, params, &result); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, result, "", "  "); err != nil {
		fmt.Println(string(result))
		return
	}
	fmt.Println(buf.String())
}
