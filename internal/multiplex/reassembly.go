package multiplex

// ReassemblyBuffer accumulates raw transport bytes and cuts them into frames. Bytes may arrive
// in arbitrarily small chunks, including a header split in the middle of a field.
//
// It is not safe for concurrent use; the multiplexer's reader worker is its only user.
type ReassemblyBuffer struct {
	buf        []byte
	readPtr    int
	maxPayload int

	// once a malformed header is seen nothing after it can be trusted
	err error
}

func NewReassemblyBuffer(maxPayload int) *ReassemblyBuffer {
	return &ReassemblyBuffer{maxPayload: maxPayload}
}

// Feed appends data. data is copied and may be reused by the caller.
func (rb *ReassemblyBuffer) Feed(data []byte) {
	rb.compact()
	rb.buf = append(rb.buf, data...)
}

// Poll decodes at most one frame. It returns ErrNeedMoreData when the buffered bytes hold no
// complete frame.
func (rb *ReassemblyBuffer) Poll() (*Frame, error) {
	if rb.err != nil {
		return nil, rb.err
	}
	f, n, err := Decode(rb.buf[rb.readPtr:], rb.maxPayload)
	if err != nil {
		if err != ErrNeedMoreData {
			rb.err = err
		}
		return nil, err
	}
	rb.readPtr += n
	if rb.readPtr == len(rb.buf) {
		rb.buf = rb.buf[:0]
		rb.readPtr = 0
	}
	return f, nil
}

// Buffered is the number of received bytes not yet consumed by Poll
func (rb *ReassemblyBuffer) Buffered() int {
	return len(rb.buf) - rb.readPtr
}

// compact moves the unread tail to the front once the consumed prefix is at least half of the
// backing array, so a long-lived connection does not grow the buffer without bound
func (rb *ReassemblyBuffer) compact() {
	if rb.readPtr == 0 || rb.readPtr < cap(rb.buf)/2 {
		return
	}
	n := copy(rb.buf, rb.buf[rb.readPtr:])
	rb.buf = rb.buf[:n]
	rb.readPtr = 0
}
