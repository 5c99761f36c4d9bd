// Package stunutil discovers the controller's public address so the journal
// records where side-channel traffic from vessels has to reach.
package stunutil

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/sync/errgroup"
)

// NATType is a coarse classification of the local NAT.
type NATType string

const (
	NATUnknown          NATType = "unknown"
	NATSymmetric        NATType = "symmetric"
	NATConeOrRestricted NATType = "cone_or_restricted"
)

// Mapping is the public address seen by STUN servers.
type Mapping struct {
	Addr string
	NAT  NATType
}

// Discover queries every server concurrently and returns the address the
// first responding server reported. The mapping belongs to the STUN socket;
// other sockets may be mapped differently on symmetric NATs.
func Discover(ctx context.Context, servers []string, timeout time.Duration) (Mapping, error) {
	if len(servers) == 0 {
		return Mapping{NAT: NATUnknown}, errors.New("no STUN servers configured")
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	addrs := make([]string, len(servers))
	errs := make([]error, len(servers))
	var g errgroup.Group
	for i, server := range servers {
		g.Go(func() error {
			addrs[i], errs[i] = query(ctx, server)
			return nil
		})
	}
	_ = g.Wait()

	mapped := make([]string, 0, len(servers))
	for i, addr := range addrs {
		if errs[i] == nil {
			mapped = append(mapped, addr)
		}
	}
	if len(mapped) == 0 {
		return Mapping{NAT: NATUnknown}, fmt.Errorf("stun discovery failed: %w", errors.Join(errs...))
	}
	return Mapping{Addr: mapped[0], NAT: Classify(mapped)}, nil
}

// Classify compares the addresses reported by different servers. Differing
// mappings mean the NAT allocates per destination.
func Classify(addrs []string) NATType {
	if len(addrs) < 2 {
		return NATUnknown
	}
	for _, addr := range addrs[1:] {
		if addr != addrs[0] {
			return NATSymmetric
		}
	}
	return NATConeOrRestricted
}

// normalizeURI accepts bare host:port server names.
func normalizeURI(server string) (string, error) {
	s := strings.TrimSpace(server)
	if s == "" {
		return "", errors.New("empty STUN server")
	}
	if !strings.HasPrefix(s, "stun:") {
		s = "stun:" + s
	}
	return s, nil
}

func query(ctx context.Context, server string) (string, error) {
	raw, err := normalizeURI(server)
	if err != nil {
		return "", err
	}
	uri, err := stun.ParseURI(raw)
	if err != nil {
		return "", fmt.Errorf("%s: %w", server, err)
	}
	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", fmt.Errorf("%s: %w", server, err)
	}
	defer client.Close()

	type reply struct {
		addr string
		err  error
	}
	done := make(chan reply, 1)
	go func() {
		msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
		err := client.Do(msg, func(ev stun.Event) {
			if ev.Error != nil {
				done <- reply{err: ev.Error}
				return
			}
			var xor stun.XORMappedAddress
			if err := xor.GetFrom(ev.Message); err != nil {
				done <- reply{err: err}
				return
			}
			done <- reply{addr: xor.String()}
		})
		if err != nil {
			done <- reply{err: err}
		}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", fmt.Errorf("%s: %w", server, r.err)
		}
		return r.addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%s: %w", server, ctx.Err())
	}
}
