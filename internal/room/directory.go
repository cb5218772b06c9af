package room

import (
	"strings"

	"github.com/manpreetbhatti/bubbles/internal/color"
)

// Directory maps room names to rooms. Rooms live in a recycled index arena
// and exist only while someone occupies them.
type Directory struct {
	colors color.Config
	rooms  []*Room
	free   []int
	byName map[string]int
}

func NewDirectory(colors color.Config) *Directory {
	return &Directory{
		colors: colors,
		byName: make(map[string]int),
	}
}

// Normalize returns the key a room name is matched by.
func Normalize(name string) string {
	return strings.ToLower(name)
}

// FindOrCreate returns the room called name, creating it when unknown.
func (d *Directory) FindOrCreate(name string) (int, *Room, bool) {
	name = Normalize(name)
	if i, ok := d.byName[name]; ok {
		return i, d.rooms[i], false
	}

	r := New(name, d.colors)
	var i int
	if n := len(d.free); n > 0 {
		i = d.free[n-1]
		d.free = d.free[:n-1]
		d.rooms[i] = r
	} else {
		i = len(d.rooms)
		d.rooms = append(d.rooms, r)
	}
	d.byName[name] = i
	return i, r, true
}

func (d *Directory) Find(name string) (int, bool) {
	i, ok := d.byName[Normalize(name)]
	return i, ok
}

func (d *Directory) Room(i int) (*Room, bool) {
	if i < 0 || i >= len(d.rooms) || d.rooms[i] == nil {
		return nil, false
	}
	return d.rooms[i], true
}

// DestroyIfEmpty unmaps and recycles the room at i when nobody occupies it.
func (d *Directory) DestroyIfEmpty(i int) bool {
	r, ok := d.Room(i)
	if !ok || !r.Empty() {
		return false
	}
	delete(d.byName, r.name)
	d.rooms[i] = nil
	d.free = append(d.free, i)
	return true
}

// Len returns the number of live rooms.
func (d *Directory) Len() int { return len(d.byName) }

func (d *Directory) Each(fn func(i int, r *Room)) {
	for i, r := range d.rooms {
		if r != nil {
			fn(i, r)
		}
	}
}
