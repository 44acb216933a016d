package mwtab

import (
	"strings"
	"testing"
)

func TestDetectType(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		content string
		want    FileType
	}{
		{
			name: "results txt by suffix",
			file: "AN002001_res.txt",
			want: FileTypeResultsTxt,
		},
		{
			name: "binned xlsx",
			file: "ST001234 normalized binned data.xlsx",
			want: FileTypeBinnedXLSX,
		},
		{
			name: "xlsx without marker phrase",
			file: "ST001234 summary.xlsx",
			want: FileTypeUnknown,
		},
		{
			name:    "mwtab banner",
			file:    "ST001234_AN002001.txt",
			content: "#METABOLOMICS WORKBENCH nobody_20200101 STUDY_ID:ST001234\nVERSION\t1\n",
			want:    FileTypeMWTab,
		},
		{
			name:    "banner past the sniff window",
			file:    "late.txt",
			content: strings.Repeat("filler\n", 60) + "#METABOLOMICS WORKBENCH\n",
			want:    FileTypeUnknown,
		},
		{
			name:    "txt without banner",
			file:    "notes.txt",
			content: "just some text\n",
			want:    FileTypeUnknown,
		},
		{
			name:    "html metabolite table",
			file:    "table.html",
			content: "<html><table><th>Metabolite_name</th></table></html>",
			want:    FileTypeTableHTML,
		},
		{
			name:    "html without marker",
			file:    "index.html",
			content: "<html><body>hi</body></html>",
			want:    FileTypeUnknown,
		},
		{
			name: "unsupported extension",
			file: "data.csv",
			want: FileTypeUnknown,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := DetectType(tc.file, strings.NewReader(tc.content))
			if got != tc.want {
				t.Fatalf("DetectType(%q) = %q, want %q", tc.file, got, tc.want)
			}
		})
	}
}

func TestDetectVariant(t *testing.T) {
	ms := "header\nMS_METABOLITE_DATA_START\n"
	if v, ok := DetectVariant(strings.NewReader(ms)); !ok || v != VariantMS {
		t.Fatalf("variant = %q, %v", v, ok)
	}
	nmr := "header\nNMR_BINNED_DATA:UNITS\tintensity\nNMR_BINNED_DATA_START\n"
	if v, ok := DetectVariant(strings.NewReader(nmr)); !ok || v != VariantNMR {
		t.Fatalf("variant = %q, %v", v, ok)
	}
	if _, ok := DetectVariant(strings.NewReader("no markers here\n")); ok {
		t.Fatal("variant detected where none exists")
	}
}

func TestValidateExtension(t *testing.T) {
	for name, want := range map[string]bool{
		"a.txt": true, "a.TSV": true, "a.xlsx": true, "a.xlsm": true,
		"a.htm": true, "a.html": true, "a.csv": true, "a.pdf": true,
		"a.exe": false, "a.json": false, "a": false,
	} {
		if got := ValidateExtension(name); got != want {
			t.Fatalf("ValidateExtension(%q) = %v, want %v", name, got, want)
		}
	}
}
