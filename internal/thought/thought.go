// Package thought defines the thought record, the tenant naming rule and the
// content fingerprint used for duplicate suppression.
package thought

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ErrInvalidTenant is returned for tenant names that cannot form a stream name.
var ErrInvalidTenant = errors.New("invalid tenant")

var tenantPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// ValidateTenant checks a tenant identifier against the naming rule shared by
// the log, the vector store and the logging context.
func ValidateTenant(tenant string) error {
	if !tenantPattern.MatchString(tenant) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenant)
	}
	return nil
}

// Record is a persisted thought. It is written exactly once by the dedup gate
// and never mutated afterwards.
type Record struct {
	Tenant      string    `json:"tenant"`
	ID          string    `json:"id"`
	Content     string    `json:"content"`
	Fingerprint string    `json:"fingerprint"`
	ChainID     string    `json:"chain_id,omitempty"`
	Sequence    int       `json:"sequence,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Normalize collapses every run of whitespace to one space and trims the
// ends. Case is preserved.
func Normalize(content string) string {
	return strings.Join(strings.Fields(content), " ")
}

// Fingerprint is the hex SHA-256 of the normalized content.
func Fingerprint(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}
