// ABOUTME: One-shot WS-Discovery probe tool
// ABOUTME: Sends a single Probe or Resolve, waits for replies and prints the services found
package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/wsdiscovery/wsdiscovery-go/internal/logging"
	"github.com/wsdiscovery/wsdiscovery-go/internal/transport"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/discovery"
	"github.com/wsdiscovery/wsdiscovery-go/pkg/protocol"
	"go.uber.org/zap"
)

var (
	types    = flag.String("types", "", "Comma separated types in {namespace}local notation")
	scopes   = flag.String("scopes", "", "Comma separated scope URIs")
	resolve  = flag.String("resolve", "", "Resolve this endpoint reference instead of probing")
	timeout  = flag.Duration("timeout", 3*time.Second, "How long to wait for replies")
	logLevel = flag.String("log-level", "warn", "Log level")
)

func main() {
	flag.Parse()

	logger, err := logging.NewLogger(logging.Config{Format: "text", Level: *logLevel, Output: os.Stderr})
	if err != nil {
		fatalf("%v", err)
	}

	typeNames, err := parseTypes(*types)
	if err != nil {
		fatalf("%v", err)
	}
	scopeURLs, err := parseScopes(*scopes)
	if err != nil {
		fatalf("%v", err)
	}

	client := discovery.NewClient(discovery.Config{Logger: logger}, transport.New(transport.Config{Logger: logger}))
	defer client.Close()

	aggregator := discovery.NewAggregator(discovery.AggregatorConfig{Logger: logger})
	client.Subscribe(aggregator.HandleEvent)

	if err := client.Start(0); err != nil {
		fatalf("%v", err)
	}

	if *resolve != "" {
		err = client.SendResolve(*resolve)
	} else {
		err = client.SendProbe(typeNames, scopeURLs)
	}
	if err != nil {
		logger.Error("Send failed", zap.Error(err))
		os.Exit(1)
	}

	time.Sleep(*timeout)

	fmt.Printf("%d service(s) found\n", aggregator.Len())
	for svc := range aggregator.All() {
		fmt.Println(svc.EndpointReference())
		for _, t := range svc.Types {
			fmt.Printf("  type   %s\n", t)
		}
		for _, s := range svc.Scopes {
			fmt.Printf("  scope  %s\n", s)
		}
		for _, x := range svc.XAddrs {
			fmt.Printf("  xaddr  %s\n", x)
		}
	}
}

func parseTypes(raw string) ([]protocol.QName, error) {
	var names []protocol.QName
	for _, t := range splitComma(raw) {
		q, err := protocol.ParseQName(t)
		if err != nil {
			return nil, err
		}
		names = append(names, q)
	}
	return names, nil
}

func parseScopes(raw string) ([]*url.URL, error) {
	var out []*url.URL
	for _, s := range splitComma(raw) {
		u, err := url.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("invalid scope %q: %w", s, err)
		}
		out = append(out, u)
	}
	return out, nil
}

func splitComma(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "wsd-probe: "+format+"\n", args...)
	os.Exit(2)
}
