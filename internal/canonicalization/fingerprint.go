// Package canonicalization derives the deterministic fingerprint that the
// Mapping Table keys on: a stable hash of a test failure's identifying
// fields, normalized so cosmetic differences (timestamps, URLs, stack
// frame line numbers) don't fracture otherwise-identical failures into
// separate issues.
package canonicalization

import (
	"crypto/md5" //nolint:gosec // fingerprint equality only, not a security boundary
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	digitRunPattern   = regexp.MustCompile(`[0-9]+`)
	urlPattern        = regexp.MustCompile(`https?://\S+`)
	stackFramePattern = regexp.MustCompile(`at \S+:[0-9]+:[0-9]+`)
)

// Fingerprint derives the canonical hash of a failure from its test name,
// raw error message, and an optional selector. The algorithm is fixed and
// published: normalize the error message, concatenate the three fields
// with "|", and hash with MD5 hex. A nil/absent selector is treated the
// same as an empty string, so (T, E, "") and (T, E, undefined) collide by
// design.
func Fingerprint(testName, errorMessage, selector string) string {
	normalized := NormalizeErrorMessage(errorMessage)
	input := testName + "|" + normalized + "|" + selector

	sum := md5.Sum([]byte(input)) //nolint:gosec

	return hex.EncodeToString(sum[:])
}

// NormalizeErrorMessage applies the three substitution rules in a fixed
// order, then lowercases and trims. Order matters: stack frames and URLs
// contain digits, so they must be matched before the digit-run pass would
// otherwise shred them into "at NpNpN:N:N"-style noise.
func NormalizeErrorMessage(msg string) string {
	out := stackFramePattern.ReplaceAllString(msg, "at LOCATION")
	out = urlPattern.ReplaceAllString(out, "URL")
	out = digitRunPattern.ReplaceAllString(out, "N")
	out = strings.ToLower(out)
	out = strings.TrimSpace(out)

	return out
}
