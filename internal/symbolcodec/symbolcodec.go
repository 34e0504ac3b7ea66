// Package symbolcodec translates between the canonical internal symbol form
// (BASEUSDT) and each exchange's native market identifier. It is pure,
// stateless and synchronous, grounded on the teacher's
// internal/normalizer.InstrumentNormalizer but reduced to a total bijection
// per exchange instead of a runtime-populated lookup table, per SPEC_FULL
// §4.1.
package symbolcodec

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shuiali/crossspread-arb/internal/errkind"
	"github.com/shuiali/crossspread-arb/internal/model"
)

var canonicalPattern = regexp.MustCompile(`^[A-Z0-9]{1,10}USDT$`)

// ErrSymbolFormatInvalid is the sentinel for SymbolFormatInvalid, wrapped
// through errkind.ParseError.
var ErrSymbolFormatInvalid = fmt.Errorf("symbol format invalid")

// Validate checks a canonical symbol against ^[A-Z0-9]{1,10}USDT$.
func Validate(s model.Symbol) error {
	if !canonicalPattern.MatchString(string(s)) {
		return errkind.New(errkind.ParseError, "symbolcodec.Validate", ErrSymbolFormatInvalid)
	}
	return nil
}

func base(s model.Symbol) (string, error) {
	if err := Validate(s); err != nil {
		return "", err
	}
	return strings.TrimSuffix(string(s), "USDT"), nil
}

// ToExchange renders the canonical symbol in the given exchange's native
// form. Every branch is a total, side-effect-free string transform.
func ToExchange(ex model.Exchange, s model.Symbol) (string, error) {
	b, err := base(s)
	if err != nil {
		return "", err
	}
	switch ex {
	case model.Binance:
		return b + "USDT", nil
	case model.OKX:
		return b + "-USDT-SWAP", nil
	case model.GateIO:
		return b + "_USDT", nil
	case model.MEXC:
		return b + "_USDT", nil
	case model.BingX:
		return b + "-USDT", nil
	default:
		return "", errkind.New(errkind.ConfigInvalid, "symbolcodec.ToExchange", fmt.Errorf("unknown exchange %q", ex))
	}
}

// FromExchange parses an exchange-native symbol back to canonical form.
func FromExchange(ex model.Exchange, native string) (model.Symbol, error) {
	native = strings.ToUpper(native)
	var b string
	switch ex {
	case model.Binance:
		b = strings.TrimSuffix(native, "USDT")
	case model.OKX:
		b = strings.TrimSuffix(strings.TrimSuffix(native, "-SWAP"), "-USDT")
	case model.GateIO, model.MEXC:
		b = strings.TrimSuffix(native, "_USDT")
	case model.BingX:
		b = strings.TrimSuffix(native, "-USDT")
	default:
		return "", errkind.New(errkind.ConfigInvalid, "symbolcodec.FromExchange", fmt.Errorf("unknown exchange %q", ex))
	}
	canonical := model.Symbol(b + "USDT")
	if err := Validate(canonical); err != nil {
		return "", err
	}
	return canonical, nil
}
