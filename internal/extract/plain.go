package extract

import "strings"

// extractPlain treats content as text, replacing invalid UTF-8 sequences.
func extractPlain(content []byte) string {
	return strings.ToValidUTF8(string(content), "�")
}
