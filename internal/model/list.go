// Package model holds list-with-selection models and the cascade
// that chains toolchain, workspace, project and configuration
// selection together.
//
// Models are not safe for concurrent use. Handlers run
// synchronously on the goroutine that mutated the model; the
// owning session serializes all mutations.
package model

// ListModel is an ordered sequence with an optional selection.
// The selection follows the selected item's key across Set.
type ListModel[T any] struct {
	items    []T
	selected int // -1 when nothing is selected
	key      func(T) string

	onInvalidate []func()
	onSelected   []func()
}

// NewListModel creates an empty model; key identifies "the same"
// item across replacements.
func NewListModel[T any](key func(T) string) *ListModel[T] {
	return &ListModel[T]{selected: -1, key: key}
}

// AddOnInvalidateHandler registers fn to run after every Set.
func (m *ListModel[T]) AddOnInvalidateHandler(fn func()) {
	m.onInvalidate = append(m.onInvalidate, fn)
}

// AddOnSelectedHandler registers fn to run whenever the selected
// item changes identity, including to or from nothing.
func (m *ListModel[T]) AddOnSelectedHandler(fn func()) {
	m.onSelected = append(m.onSelected, fn)
}

// Set replaces the sequence. If an item with the previously
// selected key is present, it becomes the selection at its new
// index; otherwise the selection is cleared.
func (m *ListModel[T]) Set(items ...T) {
	prevKey, hadSel := m.selectedKey()

	m.items = append([]T(nil), items...)
	m.selected = -1
	if hadSel {
		m.selected = m.indexOf(prevKey)
	}

	m.fire(m.onInvalidate)
	newKey, hasSel := m.selectedKey()
	if hadSel != hasSel || prevKey != newKey {
		m.fire(m.onSelected)
	}
}

// Select selects the item at index. Out-of-range indexes are
// clamped into the sequence; on an empty sequence the selection
// becomes none.
func (m *ListModel[T]) Select(index int) {
	if len(m.items) == 0 {
		m.setSelected(-1)
		return
	}
	m.setSelected(max(0, min(index, len(m.items)-1)))
}

// SelectKey selects the item with the given key. It reports
// whether such an item exists; if not, the selection is unchanged.
func (m *ListModel[T]) SelectKey(key string) bool {
	i := m.indexOf(key)
	if i < 0 {
		return false
	}
	m.setSelected(i)
	return true
}

// Deselect clears the selection.
func (m *ListModel[T]) Deselect() {
	m.setSelected(-1)
}

// Selected returns the selected item.
func (m *ListModel[T]) Selected() (T, bool) {
	if m.selected < 0 {
		var zero T
		return zero, false
	}
	return m.items[m.selected], true
}

// SelectedIndex returns the index of the selected item.
func (m *ListModel[T]) SelectedIndex() (int, bool) {
	return m.selected, m.selected >= 0
}

// Items returns a copy of the sequence.
func (m *ListModel[T]) Items() []T {
	return append([]T(nil), m.items...)
}

func (m *ListModel[T]) Len() int {
	return len(m.items)
}

func (m *ListModel[T]) setSelected(i int) {
	prevKey, hadSel := m.selectedKey()
	m.selected = i
	newKey, hasSel := m.selectedKey()
	if hadSel != hasSel || prevKey != newKey {
		m.fire(m.onSelected)
	}
}

func (m *ListModel[T]) selectedKey() (string, bool) {
	if m.selected < 0 {
		return "", false
	}
	return m.key(m.items[m.selected]), true
}

func (m *ListModel[T]) indexOf(key string) int {
	for i, item := range m.items {
		if m.key(item) == key {
			return i
		}
	}
	return -1
}

func (m *ListModel[T]) fire(handlers []func()) {
	for _, fn := range handlers {
		fn()
	}
}
