// Package registry models endpoints announced to the gateway at runtime.
package registry

import (
	"cmp"
	"fmt"
	"net"
	"slices"

	"github.com/kailas-cloud/flowgate/internal/domain"
)

// Registration announces that address serves deployment, either as its head
// or as a replica of one shard.
type Registration struct {
	Deployment string
	Address    string
	Head       bool
	Shard      int
}

// Validate checks the deployment name, the host:port address and the shard index.
func (r Registration) Validate() error {
	if r.Deployment == "" {
		return fmt.Errorf("%w: deployment is required", domain.ErrInvalidRegistration)
	}
	if _, _, err := net.SplitHostPort(r.Address); err != nil {
		return fmt.Errorf("%w: address %q: %w", domain.ErrInvalidRegistration, r.Address, err)
	}
	if r.Shard < 0 {
		return fmt.Errorf("%w: shard must be >= 0, got %d", domain.ErrInvalidRegistration, r.Shard)
	}
	if r.Head && r.Shard != 0 {
		return fmt.Errorf("%w: head registration cannot name a shard", domain.ErrInvalidRegistration)
	}
	return nil
}

// Sort orders registrations by deployment, then head first, then shard and address.
func Sort(regs []Registration) {
	slices.SortFunc(regs, func(a, b Registration) int {
		if c := cmp.Compare(a.Deployment, b.Deployment); c != 0 {
			return c
		}
		if a.Head != b.Head {
			if a.Head {
				return -1
			}
			return 1
		}
		if c := cmp.Compare(a.Shard, b.Shard); c != 0 {
			return c
		}
		return cmp.Compare(a.Address, b.Address)
	})
}
