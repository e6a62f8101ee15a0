/**
 * @description
 * This file defines the closed set of currencies the ledger supports. The set is
 * deliberately a closed enumeration: every currency-dispatching code path must
 * handle exactly these six members, and unknown codes are a hard error rather
 * than silently falling back to the numeraire.
 *
 * @notes
 * - USD is the numeraire: every exchange rate the service consumes is expressed
 *   as units of local currency per 1 USD.
 */

package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Currency identifies one of the fiat denominations held on the ledger.
type Currency string

const (
	USD Currency = "USD" // US Dollar (numeraire)
	MXN Currency = "MXN" // Mexican Peso
	BRL Currency = "BRL" // Brazilian Real
	ARS Currency = "ARS" // Argentine Peso
	COP Currency = "COP" // Colombian Peso
	GTQ Currency = "GTQ" // Guatemalan Quetzal
)

// Numeraire is the reference currency all rates are quoted against.
const Numeraire = USD

// ErrInvalidCurrency is returned when a currency code is not one of the six
// supported denominations.
var ErrInvalidCurrency = errors.New("invalid currency")

// Currencies returns the supported denominations in a stable order.
func Currencies() []Currency {
	return []Currency{USD, MXN, BRL, ARS, COP, GTQ}
}

// ParseCurrency validates a currency code. Unknown codes fail with
// ErrInvalidCurrency; there is no default-to-USD fallback.
func ParseCurrency(code string) (Currency, error) {
	switch Currency(strings.ToUpper(strings.TrimSpace(code))) {
	case USD:
		return USD, nil
	case MXN:
		return MXN, nil
	case BRL:
		return BRL, nil
	case ARS:
		return ARS, nil
	case COP:
		return COP, nil
	case GTQ:
		return GTQ, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCurrency, code)
	}
}

// Valid reports whether c is one of the supported denominations.
func (c Currency) Valid() bool {
	_, err := ParseCurrency(string(c))
	return err == nil
}

func (c Currency) String() string {
	return string(c)
}
