package topology

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kailas-cloud/flowgate/internal/domain"
	"github.com/kailas-cloud/flowgate/internal/domain/registry"
)

// Registry hashes map address to role: "head" or "shard:<n>".
const (
	roleHead        = "head"
	roleShardPrefix = "shard:"
)

func encodeRole(r registry.Registration) string {
	if r.Head {
		return roleHead
	}
	return roleShardPrefix + strconv.Itoa(r.Shard)
}

// registrationFromField hydrates a Registration from one hash field of a deployment.
func registrationFromField(dep, address, role string) (registry.Registration, error) {
	r := registry.Registration{Deployment: dep, Address: address}
	switch {
	case role == roleHead:
		r.Head = true
	case strings.HasPrefix(role, roleShardPrefix):
		n, err := strconv.Atoi(strings.TrimPrefix(role, roleShardPrefix))
		if err != nil {
			return registry.Registration{}, fmt.Errorf("%w: role %q: %w", domain.ErrInvalidRegistration, role, err)
		}
		r.Shard = n
	default:
		return registry.Registration{}, fmt.Errorf("%w: unknown role %q", domain.ErrInvalidRegistration, role)
	}
	return r, r.Validate()
}
