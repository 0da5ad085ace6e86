package tgui

import "fmt"

// Page is one window over a list. Index is 0-based.
type Page[T any] struct {
	Items   []T
	Index   int
	Pages   int
	From    int // 1-based, 0 when empty
	To      int
	Total   int
	HasPrev bool
	HasNext bool
}

// Paginate clamps index into range; size <= 0 means 10.
func Paginate[T any](items []T, index, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := max(1, (total+size-1)/size)
	index = min(max(index, 0), pages-1)
	start := index * size
	end := min(start+size, total)
	p := Page[T]{
		Items:   items[start:end],
		Index:   index,
		Pages:   pages,
		To:      end,
		Total:   total,
		HasPrev: index > 0,
		HasNext: end < total,
	}
	if end > start {
		p.From = start + 1
	}
	return p
}

// Label renders "page 2/3 · 11-20 of 25".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "page 1/1 · empty"
	}
	return fmt.Sprintf("page %d/%d · %d-%d of %d", p.Index+1, p.Pages, p.From, p.To, p.Total)
}
