package process

import (
	"strconv"
	"strings"
)

// Invocation holds everything that varies between tool runs.
type Invocation struct {
	Language     string
	Content      string
	CDN          string
	Workers      int
	ManifestPath string
	OutputDir    string
}

// BuildArgs renders the tool's argument template. Each flag appears exactly once, in order:
//
//	--no-progress --no-verify -l <lang> --cdn <cdn> --cdn-workers <n> [-p <content>] <manifest> <output>
func BuildArgs(inv Invocation) []string {
	args := []string{
		"--no-progress",
		"--no-verify",
		"-l", LanguageFilter(inv.Language),
		"--cdn", inv.CDN,
		"--cdn-workers", strconv.Itoa(inv.Workers),
	}
	if content := strings.TrimSpace(inv.Content); content != "" {
		args = append(args, "-p", content)
	}
	return append(args, inv.ManifestPath, inv.OutputDir)
}

// LanguageFilter turns a locale list ("en_us", "en_us,fr_fr") into the tool's
// pipe-delimited filter. Language-neutral and windows files are always kept.
// An empty list or "none" selects only language-neutral files.
func LanguageFilter(language string) string {
	fields := strings.FieldsFunc(language, func(r rune) bool {
		return r == ',' || r == '|' || r == ' ' || r == ';'
	})

	locales := make([]string, 0, len(fields))
	seen := map[string]bool{"none": true, "windows": true}
	for _, f := range fields {
		f = strings.ToLower(f)
		if seen[f] {
			continue
		}
		seen[f] = true
		locales = append(locales, f)
	}

	if len(locales) == 0 {
		return "none"
	}
	return "none|windows|" + strings.Join(locales, "|")
}
