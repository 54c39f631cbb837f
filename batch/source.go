package batch

import (
	"context"
	"strconv"

	"github.com/pkg/errors"
)

// SliceSource serves pre-loaded items. Cursors default to the item's
// decimal index when not set by the caller.
type SliceSource struct {
	items []Item
	pos   int
}

func NewSliceSource(items []Item) *SliceSource {
	owned := make([]Item, len(items))
	copy(owned, items)
	for i := range owned {
		if owned[i].Cursor == "" {
			owned[i].Cursor = strconv.Itoa(i)
		}
	}
	return &SliceSource{items: owned}
}

func (s *SliceSource) Seek(cursor string) error {
	if cursor == "" {
		s.pos = 0
		return nil
	}
	for i, item := range s.items {
		if item.Cursor == cursor {
			s.pos = i + 1
			return nil
		}
	}
	return errors.Errorf("cursor %q not found in source", cursor)
}

func (s *SliceSource) Next(ctx context.Context) (Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, false, err
	}
	if s.pos >= len(s.items) {
		return Item{}, false, nil
	}
	item := s.items[s.pos]
	s.pos++
	return item, true, nil
}
