package envsync

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
)

const (
	// StartMarker opens the managed block.
	StartMarker = "# start managed by vaultenv"
	// EndMarker closes the managed block.
	EndMarker = "# end managed by vaultenv"
)

// ErrUnterminatedBlock reports a start marker with no end marker. The file
// must be fixed by hand.
var ErrUnterminatedBlock = errors.New("unterminated managed block")

var managedBlock = regexp.MustCompile(
	`(?ms)^` + regexp.QuoteMeta(StartMarker) + `\r?\n.*?^` + regexp.QuoteMeta(EndMarker) + `\s*\n?`)

// Render formats values as a managed block, one KEY=value line per key in
// sorted order. The block has no trailing newline.
func Render(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteString(StartMarker)
	sb.WriteByte('\n')
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(Quote(values[k]))
		sb.WriteByte('\n')
	}
	sb.WriteString(EndMarker)
	return sb.String()
}

// Upsert replaces every managed block in existing with block. Unmanaged
// content is kept, trailing whitespace trimmed, and separated from the
// block by one blank line.
func Upsert(existing, block string) (string, error) {
	if strings.Contains(existing, StartMarker) && !strings.Contains(existing, EndMarker) {
		return "", fmt.Errorf("%w: found '%s' without a matching '%s'; resolve manually and retry",
			ErrUnterminatedBlock, StartMarker, EndMarker)
	}

	rest := strings.TrimRightFunc(managedBlock.ReplaceAllLiteralString(existing, ""), unicode.IsSpace)
	if rest == "" {
		return block + "\n", nil
	}
	return rest + "\n\n" + block + "\n", nil
}

// Quote renders value for a dotenv line.
func Quote(value string) string {
	if value == "" {
		return `""`
	}
	if strings.Contains(value, "\n") {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`, "\n", `\n`).Replace(value)
		return `"` + escaped + `"`
	}
	if strings.ContainsAny(value, `"'#`) || strings.IndexFunc(value, unicode.IsSpace) >= 0 {
		escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
		return `"` + escaped + `"`
	}
	return value
}
