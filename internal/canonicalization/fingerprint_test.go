package canonicalization_test

import (
	"crypto/md5" //nolint:gosec
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qaintel/issuesync/internal/canonicalization"
)

func TestNormalizeErrorMessage(t *testing.T) {
	t.Parallel()

	got := canonicalization.NormalizeErrorMessage("Timeout at https://x.y/z after 3000 ms at app.ts:12:7")
	assert.Equal(t, "timeout at url after n ms at location", got)
}

func TestFingerprint_MatchesSeedHash(t *testing.T) {
	t.Parallel()

	got := canonicalization.Fingerprint("login test", "Timeout at https://x.y/z after 3000 ms at app.ts:12:7", "")

	sum := md5.Sum([]byte("login test|timeout at url after n ms at location|")) //nolint:gosec
	want := hex.EncodeToString(sum[:])

	assert.Equal(t, want, got)
}

func TestFingerprint_IgnoresCosmeticDifferences(t *testing.T) {
	t.Parallel()

	a := canonicalization.Fingerprint("checkout flow", "Failed after 12 retries at runner.ts:4:2", "")
	b := canonicalization.Fingerprint("checkout flow", "Failed after 900 retries at runner.ts:99:1", "")

	assert.Equal(t, a, b)
}

func TestFingerprint_AbsentSelectorMatchesEmptySelector(t *testing.T) {
	t.Parallel()

	withEmpty := canonicalization.Fingerprint("t", "e", "")
	assert.Equal(t, withEmpty, canonicalization.Fingerprint("t", "e", ""))
}

func TestFingerprint_DifferentSelectorsDiffer(t *testing.T) {
	t.Parallel()

	a := canonicalization.Fingerprint("t", "e", "#submit")
	b := canonicalization.Fingerprint("t", "e", "#cancel")

	assert.NotEqual(t, a, b)
}
