package health

import (
	"context"

	"github.com/kailas-cloud/flowgate/internal/pool"
)

// Status represents the aggregated health status.
type Status string

const (
	// Healthy indicates all components are operational.
	Healthy Status = "ok"
	// Degraded indicates partial failure.
	Degraded Status = "degraded"
	// Unhealthy indicates no deployment can be reached.
	Unhealthy Status = "error"
)

// CheckResult represents an individual component health check outcome.
type CheckResult string

const (
	// CheckOK indicates a passing health check.
	CheckOK CheckResult = "ok"
	// CheckError indicates a failing health check.
	CheckError CheckResult = "error"
)

// Report aggregates health check results.
type Report struct {
	Status Status
	Checks map[string]CheckResult
}

// Service coordinates health checks.
type Service struct {
	db   DBPinger
	pool PoolInspector
}

// New creates a Service. db can be nil when the topology comes from a file.
func New(db DBPinger, pool PoolInspector) *Service {
	return &Service{db: db, pool: pool}
}

// Check reports the store and every deployment of the pool. A deployment is
// healthy while at least one of its endpoints can be selected.
func (s *Service) Check(ctx context.Context) Report {
	checks := make(map[string]CheckResult)

	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			checks["database"] = CheckError
		} else {
			checks["database"] = CheckOK
		}
	}

	deployments := make(map[string]CheckResult)
	for _, ep := range s.pool.Snapshot() {
		if usable(ep.State) {
			deployments[ep.Deployment] = CheckOK
		} else if _, seen := deployments[ep.Deployment]; !seen {
			deployments[ep.Deployment] = CheckError
		}
	}
	failing := 0
	for name, r := range deployments {
		checks["deployment:"+name] = r
		if r == CheckError {
			failing++
		}
	}

	status := Healthy
	for _, v := range checks {
		if v == CheckError {
			status = Degraded
			break
		}
	}
	if len(deployments) > 0 && failing == len(deployments) {
		status = Unhealthy
	}

	return Report{Status: status, Checks: checks}
}

func usable(s pool.State) bool {
	return s == pool.StateCreating || s == pool.StateReady
}
