package types

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestParseReleaseTime(t *testing.T) {
	got, err := ParseReleaseTime("2024-01-05T08:30")
	if err != nil {
		t.Fatalf("ParseReleaseTime failed: %v", err)
	}
	want := time.Date(2024, 1, 5, 8, 30, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("got %v, want %v", got, want)
	}

	for _, bad := range []string{"", "2024-01-05", "2024-01-05 08:30", "05/01/2024T08:30"} {
		if _, err := ParseReleaseTime(bad); err == nil {
			t.Errorf("ParseReleaseTime(%q): expected an error", bad)
		}
	}
}

func TestSyncRecord_IsStale(t *testing.T) {
	rec := &SyncRecord{ProductID: 1, ReleaseTime: time.Date(2024, 1, 5, 8, 30, 0, 0, time.UTC)}

	tests := []struct {
		release time.Time
		want    bool
	}{
		{rec.ReleaseTime.Add(time.Minute), true},
		{rec.ReleaseTime, false},
		{rec.ReleaseTime.Add(-24 * time.Hour), false},
	}
	for _, tt := range tests {
		if got := rec.IsStale(ProductMetadata{ProductID: 1, ReleaseTime: tt.release}); got != tt.want {
			t.Errorf("IsStale(%v) = %v, want %v", tt.release, got, tt.want)
		}
	}
}

func TestProductMetadata_String(t *testing.T) {
	p := ProductMetadata{ProductID: 10100001, ReleaseTime: time.Date(2024, 1, 5, 8, 30, 0, 0, time.UTC)}
	if got := p.String(); got != "10100001@2024-01-05T08:30" {
		t.Errorf("String() = %q", got)
	}
}

func genProduct() gopter.Gen {
	return gopter.CombineGens(
		gen.Int64Range(10000000, 10000010),
		gen.Int64Range(0, 5),
	).Map(func(v []interface{}) ProductMetadata {
		day := time.Date(2024, 1, 1, 8, 30, 0, 0, time.UTC)
		return ProductMetadata{
			ProductID:   v[0].(int64),
			ReleaseTime: day.AddDate(0, 0, int(v[1].(int64))),
		}
	})
}

func TestProperty_ProductOrdering(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("Compare is antisymmetric", prop.ForAll(
		func(a, b ProductMetadata) bool {
			return a.Compare(b) == -b.Compare(a)
		},
		genProduct(), genProduct(),
	))

	properties.Property("Compare is zero only for equal products", prop.ForAll(
		func(a, b ProductMetadata) bool {
			equal := a.ProductID == b.ProductID && a.ReleaseTime.Equal(b.ReleaseTime)
			return (a.Compare(b) == 0) == equal
		},
		genProduct(), genProduct(),
	))

	properties.Property("SortProducts orders by id then release time", prop.ForAll(
		func(products []ProductMetadata) bool {
			SortProducts(products)
			for i := 1; i < len(products); i++ {
				if products[i].Less(products[i-1]) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genProduct()),
	))

	properties.TestingRun(t)
}
