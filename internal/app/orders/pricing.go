package orders

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/paybridge/errs"
)

var hundred = decimal.NewFromInt(100)

// FinalAmount inflates a base amount by feePercent and rounds half to even to
// whole minor units.
func FinalAmount(baseMinor int64, feePercent decimal.Decimal) int64 {
	factor := decimal.NewFromInt(1).Add(feePercent.Div(hundred))
	return decimal.NewFromInt(baseMinor).Mul(factor).RoundBank(0).IntPart()
}

// OrderNumber renders `<prefix><userID><unixSeconds><suffix>`.
func OrderNumber(prefix string, userID int64, at time.Time, suffix int) string {
	return fmt.Sprintf("%s%d%d%d", strings.TrimSpace(prefix), userID, at.Unix(), suffix)
}

func randomSuffix() int {
	return 100 + rand.IntN(900)
}

// ParsePackageAmount converts an operator-entered package price to minor units.
// "19.99" is read as major units; a bare integer such as "500" is already in
// minor units.
func ParsePackageAmount(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, invalidAmount(raw, nil)
	}
	if !strings.Contains(trimmed, ".") {
		minor, err := strconv.ParseInt(trimmed, 10, 64)
		if err != nil || minor <= 0 {
			return 0, invalidAmount(raw, err)
		}
		return minor, nil
	}
	major, err := decimal.NewFromString(trimmed)
	if err != nil || !major.IsPositive() {
		return 0, invalidAmount(raw, err)
	}
	if !major.Equal(major.Truncate(2)) {
		return 0, errs.New(source, errs.CodeInvalid,
			errs.WithMessage("package amount supports at most two decimals"),
			errs.WithField("amount", trimmed))
	}
	return major.Mul(hundred).IntPart(), nil
}

func invalidAmount(raw string, cause error) error {
	return errs.New(source, errs.CodeInvalid,
		errs.WithMessage("invalid package amount"),
		errs.WithField("amount", raw),
		errs.WithCause(cause))
}
