// Package amount implements the validated (amount, currency, denomination)
// triple every payment in paykit carries. Arithmetic is always performed on
// parsed base-unit integers -- conversion between BASE and MAIN is
// plugin-specific and deliberately not implemented here.
package amount

import (
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

// Denomination is the unit an Amount's value is expressed in.
type Denomination string

const (
	// Base is the smallest unit of the currency (e.g. satoshis).
	Base Denomination = "BASE"
	// Main is the human-facing unit of the currency (e.g. bitcoin).
	Main Denomination = "MAIN"
)

// DefaultCurrency is used whenever a caller omits the currency tag.
const DefaultCurrency = "BTC"

// DefaultDenomination is used whenever a caller omits the denomination.
const DefaultDenomination = Base

// Amount is a validated (amount, currency, denomination) triple.
type Amount struct {
	Amount       string       `json:"amount"`
	Currency     string       `json:"currency"`
	Denomination Denomination `json:"denomination"`
}

// New constructs and validates an Amount, applying the documented defaults
// for an empty currency ("BTC") and denomination (BASE).
func New(value string, currency string, denomination Denomination) (Amount, error) {
	if currency == "" {
		currency = DefaultCurrency
	}
	if denomination == "" {
		denomination = DefaultDenomination
	}

	a := Amount{Amount: value, Currency: currency, Denomination: denomination}
	if err := a.Validate(); err != nil {
		return Amount{}, err
	}
	return a, nil
}

// Validate checks that Amount parses as a non-negative decimal string, that
// Currency is non-empty, and that Denomination is one of BASE or MAIN.
func (a Amount) Validate() error {
	if strings.TrimSpace(a.Amount) == "" {
		return errors.New("amount: amount must not be empty")
	}
	rat, ok := new(big.Rat).SetString(a.Amount)
	if !ok {
		return errors.Errorf("amount: %q is not a valid decimal string", a.Amount)
	}
	if rat.Sign() < 0 {
		return errors.Errorf("amount: %q must not be negative", a.Amount)
	}
	if a.Currency == "" {
		return errors.New("amount: currency must not be empty")
	}
	switch a.Denomination {
	case Base, Main:
	default:
		return errors.Errorf("amount: denomination must be BASE or MAIN, got %q", a.Denomination)
	}
	return nil
}

// BaseUnits returns the amount as an integer number of base units. It only
// succeeds for Denomination == Base -- converting MAIN to BASE is a
// plugin-specific operation the core refuses to guess at.
func (a Amount) BaseUnits() (*big.Int, error) {
	if a.Denomination != Base {
		return nil, errors.Errorf("amount: cannot take base units of a %s-denominated amount", a.Denomination)
	}
	rat, ok := new(big.Rat).SetString(a.Amount)
	if !ok {
		return nil, errors.Errorf("amount: %q is not a valid decimal string", a.Amount)
	}
	if !rat.IsInt() {
		return nil, errors.Errorf("amount: %q is not an integer number of base units", a.Amount)
	}
	return new(big.Int).Set(rat.Num()), nil
}

// SameUnit reports whether two amounts share a currency and denomination,
// and are therefore safe to add or compare directly.
func (a Amount) SameUnit(b Amount) bool {
	return a.Currency == b.Currency && a.Denomination == b.Denomination
}

// Add returns a new Amount whose value is a + b. Both amounts must be
// BASE-denominated and share a currency.
func Add(a, b Amount) (Amount, error) {
	if !a.SameUnit(b) {
		return Amount{}, errors.Errorf("amount: cannot add %s/%s to %s/%s", b.Currency, b.Denomination, a.Currency, a.Denomination)
	}
	aUnits, err := a.BaseUnits()
	if err != nil {
		return Amount{}, err
	}
	bUnits, err := b.BaseUnits()
	if err != nil {
		return Amount{}, err
	}
	sum := new(big.Int).Add(aUnits, bUnits)
	return New(sum.String(), a.Currency, a.Denomination)
}

// Subtract returns a new Amount whose value is a - b. Both amounts must be
// BASE-denominated, share a currency, and a must be >= b.
func Subtract(a, b Amount) (Amount, error) {
	if !a.SameUnit(b) {
		return Amount{}, errors.Errorf("amount: cannot subtract %s/%s from %s/%s", b.Currency, b.Denomination, a.Currency, a.Denomination)
	}
	aUnits, err := a.BaseUnits()
	if err != nil {
		return Amount{}, err
	}
	bUnits, err := b.BaseUnits()
	if err != nil {
		return Amount{}, err
	}
	if aUnits.Cmp(bUnits) < 0 {
		return Amount{}, errors.Errorf("amount: %s is less than %s", a.Amount, b.Amount)
	}
	diff := new(big.Int).Sub(aUnits, bUnits)
	return New(diff.String(), a.Currency, a.Denomination)
}

// Compare returns -1, 0, or 1 depending on whether a is less than, equal to,
// or greater than b. Both amounts must be BASE-denominated and share a
// currency.
func Compare(a, b Amount) (int, error) {
	if !a.SameUnit(b) {
		return 0, errors.Errorf("amount: cannot compare %s/%s to %s/%s", b.Currency, b.Denomination, a.Currency, a.Denomination)
	}
	aUnits, err := a.BaseUnits()
	if err != nil {
		return 0, err
	}
	bUnits, err := b.BaseUnits()
	if err != nil {
		return 0, err
	}
	return aUnits.Cmp(bUnits), nil
}

// GreaterOrEqual reports whether a >= b, per spec invariant 6 (received
// amount reconciliation).
func GreaterOrEqual(a, b Amount) (bool, error) {
	cmp, err := Compare(a, b)
	if err != nil {
		return false, err
	}
	return cmp >= 0, nil
}
