package serialterm

// writeEntry is one queued payload plus a cursor over how much of it has
// reached the device.
type writeEntry struct {
	source  []byte
	written int
}

func (w *writeEntry) remaining() []byte {
	return w.source[w.written:]
}

func (w *writeEntry) advance(n int) {
	w.written += n
}

func (w *writeEntry) finished() bool {
	return w.written >= len(w.source)
}

// LoopState tracks the event loop's pending writes. Entries drain strictly
// in order; a partially written entry stays current until its last byte is
// out.
type LoopState struct {
	current *writeEntry
	queue   []writeEntry

	// parser scratch kept across iterations so reads never reallocate
	buf []byte
}

func newLoopState(readBufSize int) *LoopState {
	return &LoopState{buf: make([]byte, readBufSize)}
}

// ensureNext promotes the head of the queue when nothing is in flight.
func (s *LoopState) ensureNext() {
	if s.current == nil {
		s.gotoNext()
	}
}

func (s *LoopState) gotoNext() {
	if len(s.queue) == 0 {
		s.current = nil
		return
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	s.current = &e
}

func (s *LoopState) takeCurrent() *writeEntry {
	s.ensureNext()
	return s.current
}

func (s *LoopState) pushWrite(data []byte) {
	s.queue = append(s.queue, writeEntry{source: data})
}

// needsWrite reports whether any bytes remain to be written.
func (s *LoopState) needsWrite() bool {
	s.ensureNext()
	return s.current != nil
}

// PendingWriteBytes returns the number of bytes queued but not yet written.
func (s *LoopState) PendingWriteBytes() int {
	n := 0
	if s.current != nil {
		n += len(s.current.remaining())
	}
	for _, e := range s.queue {
		n += len(e.source) - e.written
	}
	return n
}
