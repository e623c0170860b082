package extract

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/st-keller/kdsrelay/tree"
)

func newExtractor() *Extractor {
	return New(DefaultMarkers())
}

func intp(v int) *int { return &v }

func TestInProgressCount(t *testing.T) {
	tests := []struct {
		name     string
		root     *tree.Element
		want     *int
		strategy Strategy
	}{
		{
			name:     "marker with trailing number at depth 2",
			root:     tree.Group(tree.Group(tree.Label("조리중 3"))),
			want:     intp(3),
			strategy: StrategyDirect,
		},
		{
			name:     "no space between marker and number",
			root:     tree.Group(tree.Label("조리중12")),
			want:     intp(12),
			strategy: StrategyDirect,
		},
		{
			name:     "line break between marker and number",
			root:     tree.Group(tree.Label("조리중\n7")),
			want:     intp(7),
			strategy: StrategyDirect,
		},
		{
			name:     "number in description of marker node",
			root:     tree.Group(&tree.Element{Label: "조리중", Desc: "조리중 5"}),
			want:     intp(5),
			strategy: StrategyDirect,
		},
		{
			name:     "numeric sibling",
			root:     tree.Group(tree.Group(tree.Label("조리중"), tree.Label(" 4 "))),
			want:     intp(4),
			strategy: StrategySibling,
		},
		{
			name:     "sibling out of range is skipped",
			root:     tree.Group(tree.Group(tree.Label("조리중"), tree.Label("150"), tree.Label("8"))),
			want:     intp(8),
			strategy: StrategySibling,
		},
		{
			name:     "marker without any number means zero",
			root:     tree.Group(tree.Group(tree.Label("조리중"), tree.Label("대기"))),
			want:     intp(0),
			strategy: StrategyMarker,
		},
		{
			name:     "empty sentinel without marker",
			root:     tree.Group(tree.Group(tree.Label("조리할 주문이 없습니다"))),
			want:     intp(0),
			strategy: StrategyEmpty,
		},
		{
			name:     "quantity label as last resort",
			root:     tree.Group(tree.Label("주문수량 6")),
			want:     intp(6),
			strategy: StrategyQuantity,
		},
		{
			name:     "nothing recognisable",
			root:     tree.Group(tree.Label("설정"), tree.Label("42")),
			want:     nil,
			strategy: StrategyNone,
		},
		{
			name:     "direct wins over empty sentinel",
			root:     tree.Group(tree.Label("조리할 주문이 없습니다"), tree.Label("조리중 2")),
			want:     intp(2),
			strategy: StrategyDirect,
		},
	}

	e := newExtractor()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, strategy := e.InProgressCount(tt.root)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("InProgressCount() mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.strategy, strategy)
		})
	}
}

func TestDirectLabelForEveryCount(t *testing.T) {
	e := newExtractor()
	for n := 0; n <= 99; n++ {
		// A misleading numeric sibling must never beat the direct label.
		root := tree.Group(tree.Group(tree.Label(fmt.Sprintf("조리중 %d", n)), tree.Label("55")))
		got, strategy := e.InProgressCount(root)
		require.NotNil(t, got, "n=%d", n)
		assert.Equal(t, n, *got)
		assert.Equal(t, StrategyDirect, strategy)
	}
}

func TestSiblingForEveryCount(t *testing.T) {
	e := newExtractor()
	for n := 0; n <= 99; n++ {
		root := tree.Group(tree.Group(tree.Label("조리중"), tree.Label(fmt.Sprint(n))))
		got, strategy := e.InProgressCount(root)
		require.NotNil(t, got)
		assert.Equal(t, n, *got)
		assert.Equal(t, StrategySibling, strategy)
	}
}

// hidingFinder simulates an accessor whose native text search misses nodes.
type hidingFinder struct{ *tree.Element }

func (hidingFinder) FindByText(string) []tree.Node { return nil }

func TestSubtreeScanWhenNativeSearchMisses(t *testing.T) {
	e := newExtractor()
	inner := tree.Group(tree.Label("x"), tree.Group(tree.Described("조리중 9")))
	root := hidingFinder{inner}

	got, strategy := e.InProgressCount(root)
	require.NotNil(t, got)
	assert.Equal(t, 9, *got)
	assert.Equal(t, StrategySubtree, strategy)
}

func TestCompletedCountExcludesActionButton(t *testing.T) {
	e := newExtractor()

	tests := []struct {
		name string
		root *tree.Element
		want *int
	}{
		{"tab label", tree.Group(tree.Label("완료 14")), intp(14)},
		{"button only", tree.Group(tree.Label("조리완료 3")), nil},
		{"button then tab", tree.Group(tree.Label("조리완료 3"), tree.Label("완료 2")), intp(2)},
		{"same string", tree.Group(tree.Label("조리완료 3 / 완료 5")), intp(5)},
		{"description", tree.Group(tree.Described("완료\n1")), intp(1)},
		{"absent", tree.Group(tree.Label("조리중 1")), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, e.CompletedCount(tt.root)); diff != "" {
				t.Errorf("CompletedCount() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestOrderIDs(t *testing.T) {
	root := tree.Group(
		tree.Described("#0012"),
		tree.Group(tree.Described("#3"), tree.Described("#12")),
		tree.Described("#0"),
		tree.Described("# 7"),
		tree.Described("#8a"),
		tree.Label("#5"),
		tree.Described("order #9"),
	)

	assert.Equal(t, []int{3, 12}, OrderIDs(root))
}

func TestOrderIDsIdempotentAndOrderIndependent(t *testing.T) {
	build := func(ids []string) *tree.Element {
		children := make([]*tree.Element, 0, len(ids))
		for _, id := range ids {
			children = append(children, tree.Described(id))
		}
		return tree.Group(tree.Group(children...))
	}

	ids := []string{"#41", "#7", "#0099", "#7", "#13", "#200", "#41"}
	want := []int{7, 13, 41, 99, 200}

	root := build(ids)
	assert.Equal(t, want, OrderIDs(root))
	assert.Equal(t, want, OrderIDs(root))

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		shuffled := append([]string(nil), ids...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })
		assert.Equal(t, want, OrderIDs(build(shuffled)))
	}
}

func TestOrderIDsRespectDepthBound(t *testing.T) {
	leaf := tree.Described("#77")
	root := leaf
	for i := 0; i < tree.MaxDepth+3; i++ {
		root = tree.Group(root)
	}
	assert.Empty(t, OrderIDs(root))
}

func TestExtractNeverFails(t *testing.T) {
	e := newExtractor()

	state := e.Extract(nil)
	assert.Nil(t, state.InProgress)
	assert.Nil(t, state.Completed)
	assert.Empty(t, state.OrderIDs)
	assert.Equal(t, StrategyNone, state.Strategy)

	state = e.Extract(&tree.Element{})
	assert.Nil(t, state.InProgress)

	assert.NotPanics(t, func() { e.Extract(panickyNode{}) })
}

type panickyNode struct{}

func (panickyNode) Text() string { return "" }
func (panickyNode) Description() string { return "" }
func (panickyNode) ID() string { return "" }
func (panickyNode) ClassName() string { return "" }
func (panickyNode) ChildCount() int { return 1 }
func (panickyNode) Child(int) tree.Node { panic("stale node") }
func (panickyNode) Parent() tree.Node { return nil }

func TestExtractFullScreen(t *testing.T) {
	root := tree.Group(
		tree.Group(tree.Label("조리중 2"), tree.Label("완료 31")),
		tree.Group(tree.Described("#101"), tree.Label("조리완료")),
		tree.Group(tree.Described("#102"), tree.Label("조리완료")),
	)

	state := newExtractor().Extract(root)
	require.NotNil(t, state.InProgress)
	require.NotNil(t, state.Completed)
	assert.Equal(t, 2, *state.InProgress)
	assert.Equal(t, 31, *state.Completed)
	assert.Equal(t, []int{101, 102}, state.OrderIDs)
	assert.Equal(t, StrategyDirect, state.Strategy)
}
