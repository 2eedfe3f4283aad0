package graph

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Render draws the subtree under root as text. Each node prints its label
// ("." for the root) followed by its parent path; its data keys follow, one
// per line, indented by four spaces per nest level, then each child rendered
// one level deeper. Lines are separated by "\r\n". Unknown roots render as "".
func (x *Index) Render(root common.Hash, nestLevel int) string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var b strings.Builder
	x.render(&b, root, nestLevel)
	return b.String()
}

func (x *Index) render(b *strings.Builder, hash common.Hash, level int) {
	n, ok := x.nodes[hash]
	if !ok {
		return
	}
	indent := strings.Repeat(" ", level*4)

	if n.Name == "" {
		b.WriteString(".")
	} else {
		b.WriteString(n.Name)
	}
	b.WriteString(n.ParentPath)

	labels := make([]string, 0, len(n.DataKeys))
	for label := range n.DataKeys {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	for _, label := range labels {
		fmt.Fprintf(b, "\r\n%s└─ %s: %d bytes", indent, label, len(n.DataKeys[label].Current()))
	}

	childIndent := strings.Repeat(" ", (level+1)*4)
	for _, name := range n.ChildNames {
		child, ok := x.names[name]
		if !ok {
			continue
		}
		b.WriteString("\r\n")
		b.WriteString(childIndent)
		x.render(b, child, level+1)
	}
}
