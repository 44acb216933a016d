package mwtab

import (
	"strings"
	"testing"
)

func TestMSSampleUID(t *testing.T) {
	got := MSSampleUID("ST001234", "Urine 24h #1")
	if got != "ST001234:Urine 24h #1" {
		t.Fatalf("MSSampleUID = %q", got)
	}
}

func TestNMRSampleUID(t *testing.T) {
	got := NMRSampleUID("ST001234", "AN002001", "Urine 24h #1")
	if got != "ST001234:AN002001:s:e02df88ab7f4" {
		t.Fatalf("NMRSampleUID = %q", got)
	}
	if got != NMRSampleUID("ST001234", "AN002001", "Urine 24h #1") {
		t.Fatal("NMRSampleUID not deterministic")
	}
}

func TestMSFeatureUID(t *testing.T) {
	longName := strings.Repeat("x", 150)
	cases := []struct {
		name    string
		rawName string
		refmet  string
		want    string
	}{
		{
			name:    "simple name",
			rawName: "Alanine",
			want:    "AN002001:met:alanine",
		},
		{
			name:    "whitespace collapsed",
			rawName: "  Citric   acid  ",
			want:    "AN002001:met:citric acid",
		},
		{
			name:    "unsafe chars become underscores",
			rawName: "3'-AMP",
			want:    "AN002001:met:3_-amp",
		},
		{
			name:    "allowed punctuation kept",
			rawName: "PC(34:1)",
			want:    "AN002001:met:pc(34_1)",
		},
		{
			name:    "runs of underscores collapse",
			rawName: "a##b",
			want:    "AN002001:met:a_b",
		},
		{
			name:    "long name hashes with refmet",
			rawName: longName,
			refmet:  "RefMet X",
			want:    "AN002001:met:522452fd7be2d1a2",
		},
		{
			name:    "long name hashes without refmet",
			rawName: longName,
			want:    "AN002001:met:1fe3fccf1c85083a",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MSFeatureUID("AN002001", tc.rawName, tc.refmet)
			if got != tc.want {
				t.Fatalf("MSFeatureUID(%q, %q) = %q, want %q", tc.rawName, tc.refmet, got, tc.want)
			}
		})
	}
}

func TestMSFeatureUIDBoundary(t *testing.T) {
	// Exactly 100 characters stays on the readable path.
	name := strings.Repeat("a", 100)
	got := MSFeatureUID("AN1", name, "")
	if got != "AN1:met:"+name {
		t.Fatalf("100-char name = %q", got)
	}
	// 101 switches to the hashed form: fixed 16 hex chars.
	got = MSFeatureUID("AN1", strings.Repeat("a", 101), "")
	suffix := strings.TrimPrefix(got, "AN1:met:")
	if len(suffix) != 16 {
		t.Fatalf("101-char name = %q, want 16-char hash suffix", got)
	}
}

func TestNMRFeatureUID(t *testing.T) {
	got := NMRFeatureUID("AN002001", "(0.04,0.00)")
	if got != "AN002001:nmrbin:b1dd4112792b" {
		t.Fatalf("NMRFeatureUID = %q", got)
	}
	other := NMRFeatureUID("AN002001", "(0.08,0.04)")
	if other == got {
		t.Fatal("distinct bin ranges collided")
	}
}

func TestNormalizeSampleLabel(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Sample 1", "Sample_1"},
		{"  padded  ", "padded"},
		{"a//b##c", "a_b_c"},
		{"__edge__", "edge"},
		{"Keep.these-chars_ok", "Keep.these-chars_ok"},
	}
	for _, tc := range cases {
		if got := NormalizeSampleLabel(tc.in); got != tc.want {
			t.Fatalf("NormalizeSampleLabel(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestLegacySampleUID(t *testing.T) {
	got := LegacySampleUID("ST001", "AN001", "Urine #1")
	if got != "ST001:AN001:Urine_1" {
		t.Fatalf("LegacySampleUID = %q", got)
	}
}
