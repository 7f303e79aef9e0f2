package nowplaying

// ChangeFilter suppresses records equal to the last one it let through.
// It is not safe for concurrent use; the runner owns it.
type ChangeFilter struct {
	last Record
	seen bool
}

// ShouldEmit reports whether r differs from the last emitted record. On true,
// r becomes the new baseline.
func (f *ChangeFilter) ShouldEmit(r Record) bool {
	if f.seen && Equal(f.last, r) {
		return false
	}
	f.last = r
	f.seen = true
	return true
}

// Last returns the current baseline and whether one exists.
func (f *ChangeFilter) Last() (Record, bool) { return f.last, f.seen }

func (f *ChangeFilter) Reset() {
	f.last = Record{}
	f.seen = false
}
