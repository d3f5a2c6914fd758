package types

// DeltaColumns lists the fixed column order of a delta file.
var DeltaColumns = []string{
	"productId",
	"coordinate",
	"vectorId",
	"refPer",
	"refPer2",
	"symbolCode",
	"statusCode",
	"securityLevelCode",
	"value",
	"releaseTime",
	"scalarFactorCode",
	"decimals",
	"frequencyCode",
}

// DeltaRecord is one observation update from a delta file.
// Numeric fields are nil when the source cell is empty.
type DeltaRecord struct {
	ProductID         *int64
	Coordinate        string
	VectorID          *int64
	RefPer            string
	RefPer2           string
	SymbolCode        *uint8
	StatusCode        *uint8
	SecurityLevelCode *uint8
	Value             *float64
	ReleaseTime       string
	ScalarFactorCode  *uint8
	Decimals          *uint8
	FrequencyCode     *uint8
}
