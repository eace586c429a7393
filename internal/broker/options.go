package broker

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// FormatOCCSymbol builds ROOT + YYMMDD + P/C + 8-digit strike (strike * 1000).
func FormatOCCSymbol(root, expiration string, optionType OptionType, strike float64) (string, error) {
	expDate, err := time.Parse("2006-01-02", expiration)
	if err != nil {
		return "", fmt.Errorf("invalid expiration format: %w", err)
	}
	if strike <= 0 {
		return "", fmt.Errorf("invalid strike %.3f", strike)
	}
	var cp string
	switch optionType {
	case OptionTypePut:
		cp = "P"
	case OptionTypeCall:
		cp = "C"
	default:
		return "", fmt.Errorf("invalid option type %q", optionType)
	}
	// The eps term keeps e.g. 5612.5 from rounding down through float error
	const eps = 1e-9
	strikeInt := int(math.Round(strike*1000 + eps))
	return fmt.Sprintf("%s%s%s%08d", strings.ToUpper(root), expDate.Format("060102"), cp, strikeInt), nil
}

// FindDeltaStrikes finds put and call strikes closest to targetDelta (absolute).
func FindDeltaStrikes(options []Option, targetDelta float64) (putStrike, callStrike float64) {
	var bestPut, bestCall *Option
	bestPutDiff := 999.0
	bestCallDiff := 999.0

	for i := range options {
		opt := &options[i]

		// Skip if no Greeks data
		if opt.Greeks == nil {
			continue
		}

		diff := math.Abs(math.Abs(opt.Greeks.Delta) - targetDelta)
		switch opt.OptionType {
		case string(OptionTypePut):
			if diff < bestPutDiff {
				bestPutDiff = diff
				bestPut = opt
			}
		case string(OptionTypeCall):
			if diff < bestCallDiff {
				bestCallDiff = diff
				bestCall = opt
			}
		}
	}

	if bestPut != nil {
		putStrike = bestPut.Strike
	}
	if bestCall != nil {
		callStrike = bestCall.Strike
	}
	return putStrike, callStrike
}

// extractUnderlyingFromOSI extracts the underlying symbol from an OSI-formatted option symbol
// e.g., "SPXW250321P05600000" -> "SPXW"
func extractUnderlyingFromOSI(s string) string {
	// OSI format: UNDERLYING + YYMMDD + P/C + 8-digit strike
	trimmedS := strings.TrimSpace(s)
	if len(trimmedS) < 16 { // minimum length for a valid option symbol
		return ""
	}

	for i := 0; i <= len(trimmedS)-15; i++ { // need at least 15 chars after start for YYMMDD + P/C + 8 digits
		if !isSixDigits(trimmedS[i : i+6]) {
			continue
		}
		// Check that the 6-digit sequence is not part of a longer numeric run
		if i > 0 && trimmedS[i-1] >= '0' && trimmedS[i-1] <= '9' {
			continue
		}

		expirationEnd := i + 6
		typeChar := trimmedS[expirationEnd]
		if typeChar != 'P' && typeChar != 'C' && typeChar != 'p' && typeChar != 'c' {
			continue
		}

		strikeStart := expirationEnd + 1
		if !isEightDigits(trimmedS[strikeStart : strikeStart+8]) {
			continue
		}

		// The string must end exactly after the strike
		if strikeStart+8 != len(trimmedS) {
			continue
		}

		return strings.TrimSpace(trimmedS[:i])
	}

	return ""
}

// isSixDigits checks if a string consists of exactly 6 digits
func isSixDigits(s string) bool {
	return len(s) == 6 && allDigits(s)
}

// isEightDigits checks if a string consists of exactly 8 digits
func isEightDigits(s string) bool {
	return len(s) == 8 && allDigits(s)
}

func allDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}
