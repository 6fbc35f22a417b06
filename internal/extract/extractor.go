// Package extract provides text extraction from uploaded document files.
package extract

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Text extracts plain text from content based on the filename's extension.
// PDF and HTML are parsed; everything else is treated as plain UTF-8 text.
func Text(content []byte, filename string) (string, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".pdf":
		text, err := extractPDF(content)
		if err != nil {
			return "", fmt.Errorf("extracting %s: %w", filename, err)
		}
		return text, nil
	case ".html", ".htm":
		text, err := extractHTML(content)
		if err != nil {
			return "", fmt.Errorf("extracting %s: %w", filename, err)
		}
		return text, nil
	default:
		return extractPlain(content), nil
	}
}
