package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/grandcat/zeroconf"
)

// mdnsServiceType advertises chatd for LAN discovery, the same way the CAN
// bridge this binary descends from advertised itself.
const mdnsServiceType = "_bcp-chat._tcp"

func startMDNS(ctx context.Context, cfg *appConfig, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("chatd-%s", host)
	}
	meta := []string{
		"identity=" + cfg.identity,
		"version=" + version,
		"commit=" + commit,
	}

	// The multicast socket zeroconf opens can transiently fail right after
	// the listener binds (interfaces still settling on some hosts), so
	// registration gets a bounded exponential retry rather than a single
	// attempt.
	var svc *zeroconf.Server
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 5 * time.Second
	registerErr := backoff.Retry(func() error {
		s, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
		if err != nil {
			return err
		}
		svc = s
		return nil
	}, b)
	if registerErr != nil {
		return nil, fmt.Errorf("mdns register: %w", registerErr)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
