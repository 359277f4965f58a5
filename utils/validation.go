package utils

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
}

// ValidateStruct runs go-playground struct-tag validation against v.
func ValidateStruct(v interface{}) error {
	return validate.Struct(v)
}

// ValidateAmount checks that an amount is a usable positive decimal.
func ValidateAmount(amount decimal.Decimal) error {
	if amount.IsZero() || amount.IsNegative() {
		return fmt.Errorf("amount must be greater than 0")
	}

	return nil
}

// ParseAmount parses an amount string into a validated positive decimal.
func ParseAmount(amount string) (decimal.Decimal, error) {
	if amount == "" {
		return decimal.Zero, fmt.Errorf("amount cannot be empty")
	}

	dec, err := decimal.NewFromString(amount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount format: %w", err)
	}

	if err := ValidateAmount(dec); err != nil {
		return decimal.Zero, err
	}

	return dec, nil
}

// AddressValidator reports whether a recipient address is well formed.
type AddressValidator interface {
	IsValid(address string) bool
}

// HexAddressValidator accepts 0x-prefixed 20-byte hex addresses.
type HexAddressValidator struct{}

func (HexAddressValidator) IsValid(address string) bool {
	return common.IsHexAddress(address)
}

// ValidateAddress checks a recipient address against a validator,
// treating a nil validator as hex-address validation.
func ValidateAddress(address string, v AddressValidator) error {
	if address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if v == nil {
		v = HexAddressValidator{}
	}

	if !v.IsValid(address) {
		return fmt.Errorf("invalid address: %s", address)
	}

	return nil
}
