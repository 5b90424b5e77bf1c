package vectorstore

import (
	"fmt"

	"go.uber.org/zap"
)

// checkIsolation fails the whole result set if any match belongs to a
// tenant other than the one queried.
func checkIsolation(logger *zap.Logger, backend, tenant string, matches []Match) error {
	for _, m := range matches {
		if m.Tenant == tenant {
			continue
		}
		isolationViolations.WithLabelValues(backend).Inc()
		logger.DPanic("tenant isolation violation",
			zap.String("backend", backend),
			zap.String("tenant", tenant),
			zap.String("leaked_tenant", m.Tenant),
			zap.String("thought_id", m.ThoughtID))
		return fmt.Errorf("%w: query for %q returned thought %s of %q",
			ErrIsolationViolation, tenant, m.ThoughtID, m.Tenant)
	}
	return nil
}
