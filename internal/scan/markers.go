package scan

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"
)

// markerRe matches preprocessor line markers: `# 12 "file" 1 3` as written
// by cpp, or `#line 12 "file"`.
var markerRe = regexp.MustCompile(`^#\s*(?:line\s+)?[0-9]+\s+("(?:[^"\\]|\\.)*")`)

type marker struct {
	offset int // first byte governed by the marker
	file   string
}

// markers maps byte offsets of a preprocessed buffer to the file the
// preprocessor attributed them to.
type markers struct {
	main string
	list []marker
}

// lineMarkers returns nil unless the source starts with a line marker, as
// preprocessor output does.
func lineMarkers(source []byte) *markers {
	var m *markers
	offset := 0
	for len(source) > 0 {
		line := source
		next := len(source)
		if i := bytes.IndexByte(source, '\n'); i >= 0 {
			line = source[:i]
			next = i + 1
		}
		if sub := markerRe.FindSubmatch(line); sub != nil {
			file, err := strconv.Unquote(string(sub[1]))
			if err != nil {
				file = string(sub[1][1 : len(sub[1])-1])
			}
			if m == nil {
				m = &markers{main: file}
			}
			m.list = append(m.list, marker{offset: offset + next, file: file})
		} else if m == nil && len(bytes.TrimSpace(line)) > 0 {
			return nil
		}
		offset += next
		source = source[next:]
	}
	return m
}

func (m *markers) inMain(offset int) bool {
	if m == nil {
		return true
	}
	i := sort.Search(len(m.list), func(i int) bool { return m.list[i].offset > offset })
	if i == 0 {
		return true
	}
	return m.list[i-1].file == m.main
}
