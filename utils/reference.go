// utils/reference.go
package utils

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewReference generates a transaction reference like FUND_3F2A91BC04DE.
// 12 hex chars of a v4 UUID keeps references short while staying
// collision-resistant; uniqueness is enforced by the DB constraint anyway.
func NewReference(prefix string) string {
	token := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return fmt.Sprintf("%s_%s", prefix, token[:12])
}
