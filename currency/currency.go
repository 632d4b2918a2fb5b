package currency

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/juju/errors"
)

// Amount is an integer count of the lowest currency unit, e.g. P12.50 = 1250.
type Amount uint32

// Nominal is the value of one coin.
type Nominal Amount

func (a Amount) Format100I() string { return fmt.Sprint(float32(a) / 100) }

func (a Amount) Add(n Nominal) Amount { return a + Amount(n) }

// Parse reads a decimal money string ("12", "12.5", "12.50") into Amount.
func Parse(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Errorf("amount empty")
	}
	whole, frac := s, ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
	}
	if len(frac) > 2 {
		return 0, errors.Errorf("amount=%s too many decimal places", s)
	}
	for len(frac) < 2 {
		frac += "0"
	}
	w, err := strconv.ParseUint(whole, 10, 32)
	if err != nil {
		return 0, errors.Annotatef(err, "amount=%s", s)
	}
	f := uint64(0)
	if frac != "00" {
		if f, err = strconv.ParseUint(frac, 10, 32); err != nil {
			return 0, errors.Annotatef(err, "amount=%s", s)
		}
	}
	total := w*100 + f
	if total > math.MaxUint32 {
		return 0, errors.Errorf("amount=%s is too large", s)
	}
	return Amount(total), nil
}
