// Package types holds the value types shared across statcandb components.
package types

import (
	"fmt"
	"sort"
	"time"
)

// ReleaseTimeLayout is the layout the data service uses for releaseTime values.
const ReleaseTimeLayout = "2006-01-02T15:04"

// ProductMetadata identifies one published version of a cube.
// Values are immutable and ordered by (ProductID, ReleaseTime).
type ProductMetadata struct {
	ProductID   int64
	ReleaseTime time.Time
}

// Compare returns -1, 0 or +1 depending on whether p sorts before, equal to, or after other.
func (p ProductMetadata) Compare(other ProductMetadata) int {
	switch {
	case p.ProductID < other.ProductID:
		return -1
	case p.ProductID > other.ProductID:
		return 1
	case p.ReleaseTime.Before(other.ReleaseTime):
		return -1
	case p.ReleaseTime.After(other.ReleaseTime):
		return 1
	default:
		return 0
	}
}

// Less reports whether p sorts before other.
func (p ProductMetadata) Less(other ProductMetadata) bool {
	return p.Compare(other) < 0
}

// String renders the product as "<id>@<release time>".
func (p ProductMetadata) String() string {
	return fmt.Sprintf("%d@%s", p.ProductID, p.ReleaseTime.Format(ReleaseTimeLayout))
}

// SortProducts sorts products in place by (ProductID, ReleaseTime).
func SortProducts(products []ProductMetadata) {
	sort.Slice(products, func(i, j int) bool {
		return products[i].Less(products[j])
	})
}

// ParseReleaseTime parses a releaseTime value from the data service.
func ParseReleaseTime(s string) (time.Time, error) {
	t, err := time.Parse(ReleaseTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid release time %q: %w", s, err)
	}
	return t, nil
}

// SyncRecord is the persisted "already uploaded" state of one product.
// At most one record exists per ProductID.
type SyncRecord struct {
	ProductID   int64
	ReleaseTime time.Time
	IsUploaded  bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsStale reports whether the catalog entry p is newer than the persisted record.
func (r *SyncRecord) IsStale(p ProductMetadata) bool {
	return r.ReleaseTime.Before(p.ReleaseTime)
}
