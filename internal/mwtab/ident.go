package mwtab

import (
	"crypto/md5"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Identifier derivation. All functions here are pure: identical inputs
// always produce identical UIDs, which is what makes re-ingestion of the
// same file idempotent.

const longNameThreshold = 100

var (
	labelUnsafe      = regexp.MustCompile(`[^A-Za-z0-9._-]`)
	featureUnsafe    = regexp.MustCompile("[^a-z0-9._\\-,()` ]")
	repeatUnderscore = regexp.MustCompile(`_+`)
	innerWhitespace  = regexp.MustCompile(`\s+`)
)

// MSSampleUID derives the sample UID for an MS matrix column:
// {study}:{label}, the label kept exactly as written in the header.
func MSSampleUID(studyID, sampleLabel string) string {
	return studyID + ":" + sampleLabel
}

// NMRSampleUID derives the sample UID for an NMR matrix column. NMR labels
// are not identifier-safe, so a truncated content hash stands in for them:
// {study}:{analysis}:s:{sha1(label)[:12]}.
func NMRSampleUID(studyID, analysisID, sampleLabel string) string {
	sum := sha1.Sum([]byte(sampleLabel))
	return fmt.Sprintf("%s:%s:s:%s", studyID, analysisID, hex.EncodeToString(sum[:])[:12])
}

// MSFeatureUID derives the feature UID for a metabolite row. Names are
// normalized to lowercase with whitespace collapsed; names longer than 100
// characters switch to a fixed-width hash of "{raw}|{refmet}" so the UID
// stays bounded.
func MSFeatureUID(analysisID, nameRaw, refmetName string) string {
	normalized := strings.ToLower(strings.TrimSpace(nameRaw))
	normalized = innerWhitespace.ReplaceAllString(normalized, " ")

	if len(normalized) > longNameThreshold {
		sum := md5.Sum([]byte(nameRaw + "|" + refmetName))
		return fmt.Sprintf("%s:met:%s", analysisID, hex.EncodeToString(sum[:])[:16])
	}

	normalized = featureUnsafe.ReplaceAllString(normalized, "_")
	normalized = repeatUnderscore.ReplaceAllString(normalized, "_")
	normalized = strings.Trim(normalized, "_")
	return fmt.Sprintf("%s:met:%s", analysisID, normalized)
}

// NMRFeatureUID derives the feature UID for an NMR bin row. Bin ranges are
// short but never identifier-safe, so the hashed form is unconditional:
// {analysis}:nmrbin:{sha1(binRange)[:12]}.
func NMRFeatureUID(analysisID, binRange string) string {
	sum := sha1.Sum([]byte(binRange))
	return fmt.Sprintf("%s:nmrbin:%s", analysisID, hex.EncodeToString(sum[:])[:12])
}

// NormalizeSampleLabel reduces a raw label to a stable token: trim, spaces
// to underscores, anything outside [A-Za-z0-9._-] to underscores, repeated
// underscores collapsed, leading/trailing underscores removed. Used only by
// the legacy non-streaming path; the streaming MS path keeps labels as
// written.
func NormalizeSampleLabel(sampleLabel string) string {
	normalized := strings.TrimSpace(sampleLabel)
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = labelUnsafe.ReplaceAllString(normalized, "_")
	normalized = repeatUnderscore.ReplaceAllString(normalized, "_")
	return strings.Trim(normalized, "_")
}

// LegacySampleUID derives the sample UID used by the legacy non-streaming
// path: {study}:{analysis}:{normalized label}.
func LegacySampleUID(studyID, analysisID, sampleLabel string) string {
	return fmt.Sprintf("%s:%s:%s", studyID, analysisID, NormalizeSampleLabel(sampleLabel))
}
