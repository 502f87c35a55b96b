package diffcodec

import (
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffApply_RoundTrip(t *testing.T) {
	cases := []struct {
		name     string
		from, to string
	}{
		{"both empty", "", ""},
		{"from empty", "", "const a = 1;\nexport default a;\n"},
		{"to empty", "line one\nline two\n", ""},
		{"identical", "same\n", "same\n"},
		{"append line", "a\nb\n", "a\nb\nc\n"},
		{"prepend line", "b\nc\n", "a\nb\nc\n"},
		{"replace middle", "a\nb\nc\n", "a\nB\nc\n"},
		{"drop trailing newline", "a\nb\n", "a\nb"},
		{"add trailing newline", "a\nb", "a\nb\n"},
		{"no newline either side", "x", "y"},
		{"blank lines", "\n\n\n", "\n\nz\n\n"},
		{"hunk-like content", "@@ -1 +1 @@\n", "--- a/x\n+++ b/x\n@@ -1 +1 @@\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patch := Diff("App.js", tc.from, tc.to)
			got, err := Apply(tc.from, patch)
			require.NoError(t, err, "patch:\n%s", patch)
			assert.Equal(t, tc.to, got)
		})
	}
}

func TestDiffApply_RandomRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	alphabet := []string{"a", "b", "c", "", "import x from 'y';", "}", "  return 1;"}

	randomText := func() string {
		n := rng.IntN(12)
		var sb strings.Builder
		for i := 0; i < n; i++ {
			sb.WriteString(alphabet[rng.IntN(len(alphabet))])
			if i < n-1 || rng.IntN(2) == 0 {
				sb.WriteByte('\n')
			}
		}
		return sb.String()
	}

	for i := 0; i < 500; i++ {
		from, to := randomText(), randomText()
		patch := Diff("f.js", from, to)
		got, err := Apply(from, patch)
		require.NoError(t, err, "from=%q to=%q patch=%q", from, to, patch)
		require.Equal(t, to, got, "from=%q patch=%q", from, patch)
	}
}

func TestDiff_ContextZeroFormat(t *testing.T) {
	patch := Diff("App.js", "a\nb\nc\n", "a\nB\nc\n")
	assert.Equal(t, "--- a/App.js\n+++ b/App.js\n@@ -2 +2 @@\n-b\n+B\n", patch)
	assert.True(t, HasChanges(patch))

	identity := Diff("App.js", "a\n", "a\n")
	assert.Equal(t, "--- a/App.js\n+++ b/App.js\n", identity)
	assert.False(t, HasChanges(identity))
}

func TestDiff_NoNewlineMarker(t *testing.T) {
	patch := Diff("x", "", "tail")
	assert.Contains(t, patch, "+tail\n\\ No newline at end of file\n")
}

func TestApply_InvalidPatches(t *testing.T) {
	_, err := Apply("a\n", "")
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = Apply("a\n", "garbage\n")
	assert.ErrorIs(t, err, ErrInvalidPatch)

	_, err = Apply("a\n", "--- a/x\n+++ b/x\n@@ bogus @@\n")
	assert.ErrorIs(t, err, ErrInvalidPatch)

	// Removed line does not match the base.
	patch := Diff("x", "a\nb\n", "a\nc\n")
	_, err = Apply("a\nzzz\n", patch)
	assert.ErrorIs(t, err, ErrInvalidPatch)

	// Hunk beyond the end of the base.
	_, err = Apply("", patch)
	assert.ErrorIs(t, err, ErrInvalidPatch)

	// Declared counts disagree with the body.
	_, err = Apply("a\n", "--- a/x\n+++ b/x\n@@ -1 +1,2 @@\n-a\n+b\n")
	assert.ErrorIs(t, err, ErrInvalidPatch)
}
