// Package ids generates checksum-validated patient identifiers. The final
// digit is a weighted sum of the preceding digits modulo 11 (a result of 10
// maps to 0) so that transposing or mistyping a single digit almost always
// produces an invalid identifier.
package ids

import (
	"fmt"
	"math/rand"
	"strings"
)

// MaxLength bounds identifier length. The random-draw budget is assumed to
// overflow the identifier space before this length is ever reached.
const MaxLength = 14

// AddCheckDigit appends the checksum digit to a string of digits.
// For example "1234" becomes "12348", and the transposed "1324" becomes
// "13249" - a different final digit.
func AddCheckDigit(digits string) string {
	offset := len(digits) + 1

	var total int
	for i, r := range digits {
		total += int(r-'0') * (offset - i)
	}

	result := total % 11
	if result == 10 {
		result = 0
	}

	return digits + string(rune('0'+result))
}

// Validate reports whether id is a well-formed checksum identifier.
func Validate(id string) bool {
	if len(id) < 2 {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}

	return AddCheckDigit(id[:len(id)-1]) == id
}

// Generate returns a random identifier of the given length, the last digit
// being the checksum. Lengths outside (0, MaxLength) are a configuration
// error.
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("id length must be positive, got %d", length)
	}
	if length >= MaxLength {
		return "", fmt.Errorf("id length of %d is too long", length)
	}

	var b strings.Builder
	for i := 0; i < length-1; i++ {
		b.WriteRune(rune('0' + rand.Intn(10)))
	}

	return AddCheckDigit(b.String()), nil
}

// GenerateBatch returns a set of n distinct identifiers of the given length.
// Duplicates across draws are absorbed by the set.
func GenerateBatch(length, n int) (map[string]struct{}, error) {
	batch := make(map[string]struct{}, n)
	for len(batch) < n {
		id, err := Generate(length)
		if err != nil {
			return nil, err
		}
		batch[id] = struct{}{}
	}

	return batch, nil
}
