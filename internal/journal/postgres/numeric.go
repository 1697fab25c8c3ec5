package postgres

import (
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
// A decimal's string form always parses, so a failed scan yields NULL.
func numericFromDecimal(d decimal.Decimal) pgtype.Numeric {
	var out pgtype.Numeric
	if err := out.Scan(d.String()); err != nil {
		return pgtype.Numeric{}
	}
	return out
}

// numericFromOptional maps a nil price to SQL NULL.
func numericFromOptional(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return numericFromDecimal(*d)
}
