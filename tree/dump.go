package tree

import (
	"strings"
)

// dumpDepth keeps UI dumps readable; extraction walks go deeper.
const dumpDepth = 10

// Dump renders nodes that carry text, description or id, indented by depth.
//
//	[TextView] id=com.app:id/title t="조리중 3" d="..."
func Dump(root Node) string {
	if isNil(root) {
		return ""
	}
	var sb strings.Builder
	dumpNode(root, &sb, 0)
	return sb.String()
}

func dumpNode(n Node, sb *strings.Builder, depth int) {
	if depth > dumpDepth {
		return
	}

	text, desc, id := n.Text(), n.Description(), n.ID()
	if text != "" || desc != "" || id != "" {
		cls := n.ClassName()
		if i := strings.LastIndex(cls, "."); i >= 0 {
			cls = cls[i+1:]
		}
		if cls == "" {
			cls = "?"
		}

		sb.WriteString(strings.Repeat("  ", depth))
		sb.WriteString("[" + cls + "] ")
		if id != "" {
			sb.WriteString("id=" + id + " ")
		}
		if text != "" {
			sb.WriteString(`t="` + text + `" `)
		}
		if desc != "" {
			sb.WriteString(`d="` + desc + `" `)
		}
		sb.WriteString("\n")
	}

	for i := 0; i < n.ChildCount(); i++ {
		child := n.Child(i)
		if isNil(child) {
			continue
		}
		dumpNode(child, sb, depth+1)
	}
}
