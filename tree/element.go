package tree

// Element is a concrete, JSON-decodable Node.
// Call Link after decoding so Parent() works.
type Element struct {
	Label    string     `json:"text,omitempty"`
	Desc     string     `json:"desc,omitempty"`
	ViewID   string     `json:"id,omitempty"`
	Class    string     `json:"class,omitempty"`
	Children []*Element `json:"children,omitempty"`

	parent *Element
}

func (e *Element) Text() string        { return e.Label }
func (e *Element) Description() string { return e.Desc }
func (e *Element) ID() string          { return e.ViewID }
func (e *Element) ClassName() string   { return e.Class }
func (e *Element) ChildCount() int     { return len(e.Children) }

func (e *Element) Child(i int) Node {
	if i < 0 || i >= len(e.Children) || e.Children[i] == nil {
		return nil
	}
	return e.Children[i]
}

func (e *Element) Parent() Node {
	if e.parent == nil {
		return nil
	}
	return e.parent
}

// Link restores parent pointers below e, down to MaxDepth.
func (e *Element) Link() *Element {
	link(e, 0)
	return e
}

func link(e *Element, depth int) {
	if e == nil || depth > MaxDepth {
		return
	}
	for _, c := range e.Children {
		if c == nil {
			continue
		}
		c.parent = e
		link(c, depth+1)
	}
}

// Label builds a leaf element with visible text.
func Label(text string) *Element {
	return &Element{Label: text}
}

// Described builds a leaf element with only a description.
func Described(desc string) *Element {
	return &Element{Desc: desc}
}

// Group builds a container element and links its children.
func Group(children ...*Element) *Element {
	e := &Element{Class: "ViewGroup", Children: children}
	for _, c := range children {
		if c != nil {
			c.parent = e
		}
	}
	return e
}
