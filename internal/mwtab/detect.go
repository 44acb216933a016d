package mwtab

import (
	"bufio"
	"io"
	"path/filepath"
	"strings"
)

// FileType classifies an input file ahead of parsing.
type FileType string

const (
	FileTypeMWTab       FileType = "mwtab"
	FileTypeResultsTxt  FileType = "results_txt"
	FileTypeBinnedXLSX  FileType = "nmr_binned_xlsx"
	FileTypeTableHTML   FileType = "metabo_table_html"
	FileTypeUnknown     FileType = "unknown"
)

const (
	detectHeadLines = 50
	detectHeadBytes = 50 * 1024
)

// DetectType sniffs the file type from the name and, for text formats,
// the leading content. Content errors degrade to unknown rather than
// failing detection.
func DetectType(name string, r io.Reader) FileType {
	lower := strings.ToLower(name)
	ext := filepath.Ext(lower)

	if strings.HasSuffix(lower, "_res.txt") {
		return FileTypeResultsTxt
	}
	switch ext {
	case ".xlsx", ".xlsm":
		if strings.Contains(lower, "normalized binned data") {
			return FileTypeBinnedXLSX
		}
		return FileTypeUnknown
	case ".txt", ".tsv":
		if hasWorkbenchBanner(r) {
			return FileTypeMWTab
		}
		return FileTypeUnknown
	case ".htm", ".html":
		if headContains(r, "Metabolite_name") {
			return FileTypeTableHTML
		}
		return FileTypeUnknown
	}
	return FileTypeUnknown
}

func hasWorkbenchBanner(r io.Reader) bool {
	if r == nil {
		return false
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for i := 0; i < detectHeadLines && scanner.Scan(); i++ {
		if strings.HasPrefix(strings.TrimSpace(scanner.Text()), bannerPrefix) {
			return true
		}
	}
	return false
}

func headContains(r io.Reader, needle string) bool {
	if r == nil {
		return false
	}
	head := make([]byte, detectHeadBytes)
	n, _ := io.ReadFull(r, head)
	return strings.Contains(string(head[:n]), needle)
}

// DetectVariant decides between MS and NMR for an mwTab file by which
// data section marker appears first.
func DetectVariant(r io.Reader) (Variant, bool) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, msStart), strings.HasPrefix(line, msUnitsPrefix):
			return VariantMS, true
		case strings.HasPrefix(line, nmrStart), strings.HasPrefix(line, nmrUnitsPrefix):
			return VariantNMR, true
		}
	}
	return "", false
}

var allowedExtensions = map[string]struct{}{
	".txt": {}, ".htm": {}, ".html": {}, ".csv": {}, ".tsv": {},
	".xlsx": {}, ".xlsm": {}, ".zip": {}, ".pdf": {},
}

// ValidateExtension reports whether the file name carries an extension
// the pipeline knows how to ingest.
func ValidateExtension(name string) bool {
	_, ok := allowedExtensions[filepath.Ext(strings.ToLower(name))]
	return ok
}
