// Package extract turns a borrowed UI tree into typed kitchen-display counters.
//
// Absence of evidence is never an error: fields the tree gives no confident
// reading for are left nil. A nil count and a zero count mean different things
// (nil = nothing seen this pass, 0 = the screen positively shows zero).
package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/st-keller/kdsrelay/tree"
)

// Markers are the fixed strings the observed application renders.
type Markers struct {
	InProgress       string // in-progress tab/badge label, followed by the count
	Empty            string // shown when there is nothing to cook
	Quantity         string // alternate count label used by some layouts
	Completed        string // completed tab label, followed by the count
	CompletedExclude string // action button that also ends in Completed
}

// DefaultMarkers returns the labels of the supported KDS application.
func DefaultMarkers() Markers {
	return Markers{
		InProgress:       "조리중",
		Empty:            "조리할 주문이 없습니다",
		Quantity:         "주문수량",
		Completed:        "완료",
		CompletedExclude: "조리완료",
	}
}

// Strategy names the rule that produced the in-progress count.
type Strategy string

const (
	StrategyDirect   Strategy = "direct"
	StrategySibling  Strategy = "sibling"
	StrategyMarker   Strategy = "marker-only"
	StrategySubtree  Strategy = "subtree"
	StrategyEmpty    Strategy = "empty"
	StrategyQuantity Strategy = "quantity"
	StrategyNone     Strategy = "none"
)

// ObservedState is the result of one extraction pass. It is never mutated
// after Extract returns.
type ObservedState struct {
	InProgress *int     `json:"in_progress"`
	Completed  *int     `json:"completed"`
	OrderIDs   []int    `json:"order_ids"`
	Strategy   Strategy `json:"strategy"`
}

// maxSiblingCount bounds the purely-numeric sibling strategy.
const maxSiblingCount = 99

var (
	digitsOnly = regexp.MustCompile(`^\d+$`)
	orderID    = regexp.MustCompile(`^#(\d+)$`)
)

// Extractor holds the compiled patterns for one marker set.
type Extractor struct {
	markers       Markers
	inProgress    *regexp.Regexp
	quantity      *regexp.Regexp
	completed     *regexp.Regexp
	excludePrefix string
}

// New compiles an Extractor for markers.
func New(markers Markers) *Extractor {
	e := &Extractor{
		markers:    markers,
		inProgress: countPattern(markers.InProgress),
		quantity:   countPattern(markers.Quantity),
		completed:  countPattern(markers.Completed),
	}
	if markers.CompletedExclude != "" && strings.HasSuffix(markers.CompletedExclude, markers.Completed) {
		e.excludePrefix = strings.TrimSuffix(markers.CompletedExclude, markers.Completed)
	}
	return e
}

// countPattern matches marker followed by an integer, allowing whitespace and
// line breaks in between.
func countPattern(marker string) *regexp.Regexp {
	if marker == "" {
		return nil
	}
	return regexp.MustCompile(regexp.QuoteMeta(marker) + `\s*(\d+)`)
}

// Extract reads all counters from root. A nil root yields an empty state.
func (e *Extractor) Extract(root tree.Node) (state ObservedState) {
	state.Strategy = StrategyNone

	// Accessor implementations may panic on nodes that went stale mid-walk.
	defer func() {
		if r := recover(); r != nil {
			state = ObservedState{Strategy: StrategyNone}
		}
	}()

	if root == nil {
		return state
	}

	state.InProgress, state.Strategy = e.InProgressCount(root)
	state.Completed = e.CompletedCount(root)
	state.OrderIDs = OrderIDs(root)
	return state
}

// InProgressCount applies the layered strategies in priority order.
func (e *Extractor) InProgressCount(root tree.Node) (*int, Strategy) {
	marker := e.markers.InProgress
	if marker == "" {
		return nil, StrategyNone
	}

	nodes := tree.FindByText(root, marker)
	if len(nodes) > 0 {
		for _, n := range nodes {
			if v, ok := firstCount(e.inProgress, n.Text()); ok {
				return &v, StrategyDirect
			}
			if v, ok := firstCount(e.inProgress, n.Description()); ok {
				return &v, StrategyDirect
			}
		}

		// None of the marker nodes carries its own number.
		for _, n := range nodes {
			if v, ok := siblingNumber(n.Parent()); ok {
				return &v, StrategySibling
			}
		}

		// The marker is on screen without a number: the badge is hidden at zero.
		zero := 0
		return &zero, StrategyMarker
	}

	if v, ok := e.scan(root, e.inProgress); ok {
		return &v, StrategySubtree
	}

	if e.markers.Empty != "" && containsAnywhere(root, e.markers.Empty) {
		zero := 0
		return &zero, StrategyEmpty
	}

	if v, ok := e.scan(root, e.quantity); ok {
		return &v, StrategyQuantity
	}

	return nil, StrategyNone
}

// CompletedCount finds the completed-orders count, skipping the similarly
// labeled action button.
func (e *Extractor) CompletedCount(root tree.Node) *int {
	if e.completed == nil {
		return nil
	}

	var result *int
	tree.Walk(root, func(n tree.Node, _ int) bool {
		for _, s := range []string{n.Text(), n.Description()} {
			if v, ok := e.completedIn(s); ok {
				result = &v
				return false
			}
		}
		return true
	})
	return result
}

func (e *Extractor) completedIn(s string) (int, bool) {
	if s == "" {
		return 0, false
	}
	for _, m := range e.completed.FindAllStringSubmatchIndex(s, -1) {
		if e.excludePrefix != "" && strings.HasSuffix(s[:m[0]], e.excludePrefix) {
			continue
		}
		v, err := strconv.Atoi(s[m[2]:m[3]])
		if err != nil {
			continue
		}
		return v, true
	}
	return 0, false
}

// OrderIDs collects "#<digits>" descriptions as a sorted, duplicate-free set.
func OrderIDs(root tree.Node) []int {
	seen := make(map[int]struct{})
	tree.Walk(root, func(n tree.Node, _ int) bool {
		m := orderID.FindStringSubmatch(n.Description())
		if m == nil {
			return true
		}
		v, err := strconv.Atoi(m[1])
		if err != nil || v <= 0 {
			return true
		}
		seen[v] = struct{}{}
		return true
	})

	ids := make([]int, 0, len(seen))
	for v := range seen {
		ids = append(ids, v)
	}
	sort.Ints(ids)
	return ids
}

// scan returns the first pattern match in any label or description, pre-order.
func (e *Extractor) scan(root tree.Node, pattern *regexp.Regexp) (int, bool) {
	if pattern == nil {
		return 0, false
	}
	var (
		result int
		found  bool
	)
	tree.Walk(root, func(n tree.Node, _ int) bool {
		if v, ok := firstCount(pattern, n.Text()); ok {
			result, found = v, true
			return false
		}
		if v, ok := firstCount(pattern, n.Description()); ok {
			result, found = v, true
			return false
		}
		return true
	})
	return result, found
}

func firstCount(pattern *regexp.Regexp, s string) (int, bool) {
	if pattern == nil || s == "" {
		return 0, false
	}
	m := pattern.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	v, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return v, true
}

// siblingNumber returns the first direct child of parent whose label is a
// bare number in [0, maxSiblingCount].
func siblingNumber(parent tree.Node) (int, bool) {
	if parent == nil {
		return 0, false
	}
	for i := 0; i < parent.ChildCount(); i++ {
		child := parent.Child(i)
		if child == nil {
			continue
		}
		text := strings.TrimSpace(child.Text())
		if !digitsOnly.MatchString(text) {
			continue
		}
		v, err := strconv.Atoi(text)
		if err != nil || v < 0 || v > maxSiblingCount {
			continue
		}
		return v, true
	}
	return 0, false
}

func containsAnywhere(root tree.Node, text string) bool {
	found := false
	tree.Walk(root, func(n tree.Node, _ int) bool {
		if strings.Contains(n.Text(), text) || strings.Contains(n.Description(), text) {
			found = true
			return false
		}
		return true
	})
	return found
}
