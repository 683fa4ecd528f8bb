// ABOUTME: WS-Discovery client and service registry package
// ABOUTME: Probe and resolve target services and keep the latest sighting of each
// Package discovery provides a WS-Discovery client for finding target
// services on the local network.
//
// A Client sends Probe and Resolve requests through a Transport and turns
// ProbeMatches and ResolveMatches replies into events. An Aggregator
// subscribes to those events and keeps one entry per endpoint reference.
//
// Example:
//
//	client := discovery.NewClient(discovery.Config{}, transport)
//	registry := discovery.NewAggregator(discovery.AggregatorConfig{TTL: 5 * time.Minute})
//	client.Subscribe(registry.HandleEvent)
//	if err := client.Start(0); err != nil {
//	    log.Fatal(err)
//	}
//	err := client.SendProbe(nil, nil)
package discovery
