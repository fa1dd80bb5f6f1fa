// Package toon implements TOON (Token-Oriented Object Notation) encoding.
package toon

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/phobologic/cfiguard/internal/model"
)

var (
	needsQuoting = regexp.MustCompile(`[,:"\\{}\[\]]`)
	looksNumeric = regexp.MustCompile(`^-?(?:0|[1-9]\d*)(?:\.\d+)?$`)
	keywords     = map[string]struct{}{
		"true":  {},
		"false": {},
		"null":  {},
	}
)

// Encode converts a batch Report into TOON format.
func Encode(r *model.Report) string {
	var parts []string

	parts = append(parts, fmt.Sprintf("database: %s", encodeValue(r.Database)))

	var fileRows [][]string
	for i := range r.Files {
		f := &r.Files[i]
		fileRows = append(fileRows, []string{
			f.Path,
			f.Status,
			strconv.Itoa(len(f.Guards)),
			strconv.Itoa(f.Sites),
		})
	}
	parts = append(parts, formatTabular("files", []string{"path", "status", "guards", "sites"}, fileRows))

	var sigRows [][]string
	for _, s := range signatures(r) {
		sigRows = append(sigRows, []string{s.Reduced, s.Decl, strconv.Itoa(s.files)})
	}
	parts = append(parts, formatTabular("signatures", []string{"reduced", "decl", "files"}, sigRows))

	return strings.Join(parts, "\n")
}

type signatureUse struct {
	model.Signature
	files int
}

// signatures counts the files guarding each declaration signature, most
// widely used first.
func signatures(r *model.Report) []signatureUse {
	index := make(map[string]int)
	var uses []signatureUse
	for i := range r.Files {
		for _, g := range r.Files[i].Guards {
			j, ok := index[g.Signature.Decl]
			if !ok {
				j = len(uses)
				index[g.Signature.Decl] = j
				uses = append(uses, signatureUse{Signature: g.Signature})
			}
			uses[j].files++
		}
	}
	sort.SliceStable(uses, func(i, j int) bool {
		if uses[i].files != uses[j].files {
			return uses[i].files > uses[j].files
		}
		return uses[i].Decl < uses[j].Decl
	})
	return uses
}

func formatTabular(name string, columns []string, rows [][]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s[%d]{%s}:", name, len(rows), strings.Join(columns, ","))
	for _, row := range rows {
		encoded := make([]string, len(row))
		for i, cell := range row {
			encoded[i] = encodeValue(cell)
		}
		fmt.Fprintf(&b, "\n  %s", strings.Join(encoded, ","))
	}
	return b.String()
}

func encodeValue(value string) string {
	if value == "" {
		return `""`
	}

	if value != strings.TrimSpace(value) {
		return quote(value)
	}

	if strings.ContainsAny(value, "\n\r\t") {
		return quote(value)
	}

	if _, ok := keywords[strings.ToLower(value)]; ok {
		return quote(value)
	}

	if looksNumeric.MatchString(value) {
		return value
	}

	if needsQuoting.MatchString(value) {
		return quote(value)
	}

	if strings.HasPrefix(value, "-") {
		return quote(value)
	}

	return value
}

func quote(value string) string {
	escaped := strings.ReplaceAll(value, `\`, `\\`)
	escaped = strings.ReplaceAll(escaped, `"`, `\"`)
	escaped = strings.ReplaceAll(escaped, "\n", `\n`)
	escaped = strings.ReplaceAll(escaped, "\r", `\r`)
	escaped = strings.ReplaceAll(escaped, "\t", `\t`)
	return `"` + escaped + `"`
}
