package execution

import (
	"fmt"
	"regexp"
	"strings"
)

// Lot size bounds accepted by the terminal.
const (
	minQty = 0.01
	maxQty = 100.0
)

var symbolRe = regexp.MustCompile(`^[A-Z0-9._]{3,16}$`)

// validateOpen fails fast before any state is created or network call made.
func validateOpen(spec OrderSpec) error {
	if !symbolRe.MatchString(spec.Symbol) {
		return &ValidationError{Field: "symbol", Msg: fmt.Sprintf("invalid symbol %q", spec.Symbol)}
	}
	side := strings.ToUpper(spec.Side)
	if side != "BUY" && side != "SELL" {
		return &ValidationError{Field: "side", Msg: fmt.Sprintf("side must be BUY or SELL, got %q", spec.Side)}
	}
	if spec.Qty < minQty || spec.Qty > maxQty {
		return &ValidationError{Field: "qty", Msg: fmt.Sprintf("size %.4f outside [%.2f, %.2f]", spec.Qty, minQty, maxQty)}
	}

	// Stop/target must sit on the correct side of the reference price.
	if spec.Price > 0 {
		if spec.Stop > 0 {
			if side == "BUY" && spec.Stop >= spec.Price {
				return &ValidationError{Field: "stop", Msg: "stop must be below price for BUY"}
			}
			if side == "SELL" && spec.Stop <= spec.Price {
				return &ValidationError{Field: "stop", Msg: "stop must be above price for SELL"}
			}
		}
		if spec.Target > 0 {
			if side == "BUY" && spec.Target <= spec.Price {
				return &ValidationError{Field: "target", Msg: "target must be above price for BUY"}
			}
			if side == "SELL" && spec.Target >= spec.Price {
				return &ValidationError{Field: "target", Msg: "target must be below price for SELL"}
			}
		}
	}
	return nil
}

func validateClose(spec CloseSpec) error {
	if spec.Qty < 0 {
		return &ValidationError{Field: "qty", Msg: "close quantity cannot be negative"}
	}
	return nil
}
