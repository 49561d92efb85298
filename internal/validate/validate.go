// Package validate holds the pure format checks used by conversation steps.
// None of them perform I/O; existence checks live in the action service.
package validate

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	emailRe = regexp.MustCompile(`^(([^<>()\[\]\\.,;:\s@"]+(\.[^<>()\[\]\\.,;:\s@"]+)*)|(".+"))@((\[[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\.[0-9]{1,3}\])|(([a-zA-Z\-0-9]+\.)+[a-zA-Z]{2,}))$`)

	// base58 P2PKH/P2SH and bech32 segwit forms.
	mainnetRe = regexp.MustCompile(`^([LM3][1-9A-HJ-NP-Za-km-z]{26,33}|ltc1[02-9ac-hj-np-z]{8,87})$`)
	testnetRe = regexp.MustCompile(`^([mn2Q][1-9A-HJ-NP-Za-km-z]{26,33}|tltc1[02-9ac-hj-np-z]{8,87})$`)

	phoneRe = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)
	codeRe  = regexp.MustCompile(`^[0-9]{6}$`)
)

// Network selects the address format accepted by IsAddress.
type Network string

const (
	Mainnet Network = "mainnet"
	Testnet Network = "testnet"
)

// IsEmail reports whether s looks like an email address.
func IsEmail(s string) bool {
	return emailRe.MatchString(strings.TrimSpace(s))
}

// IsAddress reports whether s is a Litecoin address for the network.
func IsAddress(s string, network Network) bool {
	s = strings.TrimSpace(s)
	if network == Testnet {
		return testnetRe.MatchString(s)
	}
	return mainnetRe.MatchString(s)
}

// IsPhone accepts E.164 numbers with or without the leading plus.
func IsPhone(s string) bool {
	return phoneRe.MatchString(NormalizePhone(s))
}

// NormalizePhone strips spaces, dashes and brackets, keeping a leading plus.
func NormalizePhone(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '(', ')', '.':
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// PhoneDigits returns the number without the leading plus, the form stored and dialed.
func PhoneDigits(s string) string {
	return strings.TrimPrefix(NormalizePhone(s), "+")
}

// IsNumeric reports whether s is a positive finite decimal amount. A leading
// dollar or litecoin sign is tolerated.
func IsNumeric(s string) bool {
	v, ok := ParseAmount(s)
	return ok && v > 0
}

// ParseAmount parses an amount typed by a user.
func ParseAmount(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.TrimPrefix(s, "Ł")
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v != v || v > 1e12 {
		return 0, false
	}
	return v, true
}

// IsCode reports whether s is a six digit security code.
func IsCode(s string) bool {
	return codeRe.MatchString(strings.TrimSpace(s))
}
