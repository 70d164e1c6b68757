package lightning

import (
	"fmt"
	"strconv"
	"strings"
)

const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

// networkPrefixes are checked longest first so "lnbcrt" is not read as "lnbc".
var networkPrefixes = []string{"lnbcrt", "lntbs", "lnbc", "lntb", "lnsb"}

// DecodedInvoice holds the parts of a bolt11 invoice needed for payout checks.
type DecodedInvoice struct {
	Raw        string
	Network    string
	AmountMsat int64
}

// HasAmount reports whether the invoice encodes an amount.
func (d DecodedInvoice) HasAmount() bool {
	return d.AmountMsat > 0
}

// AmountSats returns the encoded amount rounded down to whole satoshis.
func (d DecodedInvoice) AmountSats() int64 {
	return d.AmountMsat / 1000
}

// DecodeInvoice validates the format of a bolt11 invoice and decodes the amount from
// its human-readable part.
func DecodeInvoice(invoice string) (DecodedInvoice, error) {
	raw := strings.ToLower(strings.TrimSpace(invoice))
	raw = strings.TrimPrefix(raw, "lightning:")

	sep := strings.LastIndexByte(raw, '1')
	if sep < 4 || sep+7 > len(raw) {
		return DecodedInvoice{}, fmt.Errorf("%w: missing separator or data", ErrInvalidInvoice)
	}
	hrp, data := raw[:sep], raw[sep+1:]

	for _, r := range data {
		if !strings.ContainsRune(bech32Charset, r) {
			return DecodedInvoice{}, fmt.Errorf("%w: invalid character %q", ErrInvalidInvoice, r)
		}
	}

	var network string
	for _, prefix := range networkPrefixes {
		if strings.HasPrefix(hrp, prefix) {
			network = prefix[2:]
			break
		}
	}
	if network == "" {
		return DecodedInvoice{}, fmt.Errorf("%w: unknown network prefix", ErrInvalidInvoice)
	}

	amountMsat, err := parseHRPAmount(hrp[len(network)+2:])
	if err != nil {
		return DecodedInvoice{}, err
	}

	return DecodedInvoice{Raw: raw, Network: network, AmountMsat: amountMsat}, nil
}

// parseHRPAmount converts the amount field of the human-readable part to millisatoshis.
// An empty field means the invoice carries no amount.
func parseHRPAmount(field string) (int64, error) {
	if field == "" {
		return 0, nil
	}

	multiplier := field[len(field)-1]
	digits := field
	if multiplier < '0' || multiplier > '9' {
		digits = field[:len(field)-1]
	} else {
		multiplier = 0
	}
	if digits == "" || (len(digits) > 1 && digits[0] == '0') {
		return 0, fmt.Errorf("%w: malformed amount", ErrInvalidInvoice)
	}

	value, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%w: malformed amount", ErrInvalidInvoice)
	}

	// One bitcoin is 10^11 millisatoshis.
	switch multiplier {
	case 0:
		return checkedMul(value, 100_000_000_000)
	case 'm':
		return checkedMul(value, 100_000_000)
	case 'u':
		return checkedMul(value, 100_000)
	case 'n':
		return checkedMul(value, 100)
	case 'p':
		if value%10 != 0 {
			return 0, fmt.Errorf("%w: sub-millisatoshi amount", ErrInvalidInvoice)
		}
		return value / 10, nil
	default:
		return 0, fmt.Errorf("%w: unknown multiplier %q", ErrInvalidInvoice, multiplier)
	}
}

func checkedMul(value, factor int64) (int64, error) {
	if value > (1<<63-1)/factor {
		return 0, fmt.Errorf("%w: amount overflows", ErrInvalidInvoice)
	}
	return value * factor, nil
}

// IsLightningAddress reports whether s looks like user@domain.
func IsLightningAddress(s string) bool {
	at := strings.IndexByte(s, '@')
	if at <= 0 || at != strings.LastIndexByte(s, '@') || at == len(s)-1 {
		return false
	}
	domain := s[at+1:]
	return strings.Contains(domain, ".") || strings.HasPrefix(domain, "localhost") || strings.HasPrefix(domain, "127.0.0.1")
}
