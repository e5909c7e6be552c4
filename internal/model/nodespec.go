package model

import (
	"fmt"
	"path"
	"strings"
)

// ExpandNodespec returns the nodes matching the nodespec.
//
// A nodespec is a comma or whitespace separated list of node names, each of which
// may contain '*' wildcards. A token matches a node by its full name or its short host name.
// The installer node is only matched when includeInstaller is true.
func ExpandNodespec(nodespec string, nodes Nodes, includeInstaller bool) Nodes {
	tokens := strings.FieldsFunc(nodespec, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})

	matched := Nodes{}
	seen := map[string]bool{}

	for _, node := range nodes {
		if !includeInstaller && node.ShortName() == InstallerNodeName {
			continue
		}

		for _, token := range tokens {
			if !nodespecMatch(token, node) {
				continue
			}

			if !seen[node.Name] {
				seen[node.Name] = true
				matched = append(matched, node)
			}

			break
		}
	}

	return matched
}

func nodespecMatch(token string, node *Node) bool {
	// '*' is the only wildcard a nodespec supports
	pattern := strings.NewReplacer("?", `\?`, "[", `\[`, "\\", `\\`).Replace(token)

	for _, name := range []string{node.Name, node.ShortName()} {
		if ok, err := path.Match(pattern, name); err == nil && ok {
			return true
		}
	}

	return false
}

// FormatNodeName generates a node name from a hardware profile name format,
// the first run of '#' characters is replaced with the index, zero padded to the run length.
// Formats without '#' get the index appended.
func FormatNodeName(format string, index int) string {
	start := strings.IndexByte(format, '#')
	if start < 0 {
		return fmt.Sprintf("%s%d", format, index)
	}

	end := start
	for end < len(format) && format[end] == '#' {
		end++
	}

	return fmt.Sprintf("%s%0*d%s", format[:start], end-start, index, format[end:])
}
