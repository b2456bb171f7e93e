package coordinator

import (
	"fmt"

	"pricefetcher/internal/model"
)

// Validate checks that every required field is present. Prices, market caps,
// liquidity and volume must also be positive; the 24h change may be negative.
func Validate(q model.RawQuote, required []string) error {
	for _, name := range required {
		switch name {
		case model.FieldName:
			if q.Name == "" {
				return fmt.Errorf("missing required field %s", name)
			}
		case model.FieldSymbol:
			if q.Symbol == "" {
				return fmt.Errorf("missing required field %s", name)
			}
		case model.FieldPriceChange24h:
			if !q.PriceChange24h.Valid {
				return fmt.Errorf("missing required field %s", name)
			}
		default:
			n := model.QuoteNumeric(q, name)
			if !n.Valid {
				return fmt.Errorf("missing required field %s", name)
			}
			if !n.Positive() {
				return fmt.Errorf("required field %s is not positive: %v", name, n.Value)
			}
		}
	}
	return nil
}
