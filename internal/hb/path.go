package hb

import (
	"fmt"
	"path"
	"strings"
	"unicode"
	"unicode/utf8"

	"hb-go/internal/model"
)

// MaxSegmentLength is the longest allowed archive path segment, in characters.
const MaxSegmentLength = 255

// SanitizeName makes a display name safe to use as one archive path segment.
// Characters illegal in file or entry names (<>:"/\|?*), control characters and
// whitespace become '_'. The result is truncated to MaxSegmentLength characters.
// Names that would be empty or refer to "." or ".." become "_".
func SanitizeName(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n == MaxSegmentLength {
			break
		}
		switch {
		case strings.ContainsRune(`<>:"/\|?*`, r), r < 0x20, r == 0x7f, unicode.IsSpace(r):
			b.WriteByte('_')
		default:
			b.WriteRune(r)
		}
		n++
	}
	s := b.String()
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// JoinPath joins already sanitized segments with '/'. Empty segments are dropped.
func JoinPath(segments ...string) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		if s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

// DirMarker returns the directory placeholder entry name for p.
func DirMarker(p string) string {
	return strings.TrimSuffix(p, "/") + "/"
}

// versionPaths assigns an archive path to each version of an item located at itemPath.
// The newest version (highest number, first listed on ties) keeps itemPath; older
// versions are kept next to it as "<stem>.v<N><ext>", with the stem shortened
// so the segment stays within MaxSegmentLength.
func versionPaths(itemPath string, versions []model.Version) []string {
	paths := make([]string, len(versions))
	if len(versions) == 0 {
		return paths
	}

	tip := 0
	for i, v := range versions {
		if v.Number > versions[tip].Number {
			tip = i
		}
	}

	dir, name := path.Split(itemPath)
	ext := path.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if stem == "" {
		stem, ext = name, ""
	}

	for i, v := range versions {
		if i == tip {
			paths[i] = itemPath
			continue
		}
		n := v.Number
		if n <= 0 {
			n = len(versions) - i
		}
		paths[i] = dir + versionName(stem, ext, n)
	}
	return paths
}

func versionName(stem, ext string, n int) string {
	suffix := fmt.Sprintf(".v%d", n)
	budget := MaxSegmentLength - utf8.RuneCountInString(suffix) - utf8.RuneCountInString(ext)
	if budget < 1 {
		ext = ""
		budget = MaxSegmentLength - utf8.RuneCountInString(suffix)
	}
	if utf8.RuneCountInString(stem) > budget {
		stem = string([]rune(stem)[:budget])
	}
	return stem + suffix + ext
}
