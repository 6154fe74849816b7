package masterflow

import "time"

// Asset is an inventory record matched by natural key (e.g. hostname) within a tenant scope.
// The conflict detector compares incoming entities against these. Assets are soft deleted:
// a re-import whose natural key matches a deleted asset resurrects it rather than conflicting.
type Asset struct {
	ID          string         `json:"id"`
	TenantScope TenantScope    `json:"tenant_scope"`
	NaturalKey  string         `json:"natural_key"`
	Fields      map[string]any `json:"fields"`
	Deleted     bool           `json:"deleted"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}
