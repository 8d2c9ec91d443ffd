package transcript

// State is the lifecycle position of a [Buffer].
type State int

const (
	// Idle buffers hold no text.
	Idle State = iota

	// Accumulating buffers hold partial text that has not been delivered.
	Accumulating

	// Flushing buffers have handed their text to the delivery worker and
	// reject partial updates until the delivery finishes.
	Flushing
)

// String returns the human-readable name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Accumulating:
		return "accumulating"
	case Flushing:
		return "flushing"
	default:
		return "unknown"
	}
}

// Buffer is the partial transcript of one speaker's current turn. Its methods
// are pure: they return the next buffer and never mutate the receiver.
//
// Sent is true from the moment the text is handed to delivery until the
// buffer is cleared or a newer partial is accepted, and a Sent buffer is
// never delivered again.
type Buffer struct {
	Text  string
	Sent  bool
	State State
}

// Update applies a partial transcript. It is accepted only when the buffer
// is not flushing and text is at least as long as the current text; an
// accepted update resets Sent.
func (b Buffer) Update(text string) (Buffer, bool) {
	if b.State == Flushing || len(text) < len(b.Text) {
		return b, false
	}
	if text == "" && b.State == Idle {
		return b, false
	}
	return Buffer{Text: text, State: Accumulating}, true
}

// FlushOutcome says what a [Buffer.Flush] decided.
type FlushOutcome int

const (
	// FlushNothing means there was nothing to deliver; the buffer is Idle.
	FlushNothing FlushOutcome = iota

	// FlushDeliver means the returned text must be delivered once.
	FlushDeliver

	// FlushBusy means a delivery for this buffer is already running.
	FlushBusy
)

// Flush finalizes the buffer. When it returns [FlushDeliver] the buffer is
// Flushing and Sent until [Buffer.Delivered] is applied.
func (b Buffer) Flush() (Buffer, string, FlushOutcome) {
	if b.State == Flushing {
		return b, "", FlushBusy
	}
	if b.Text == "" || b.Sent {
		return Buffer{}, "", FlushNothing
	}
	return Buffer{Text: b.Text, Sent: true, State: Flushing}, b.Text, FlushDeliver
}

// Delivered clears a flushing buffer once its delivery has finished,
// successfully or not. Other states are returned unchanged.
func (b Buffer) Delivered() Buffer {
	if b.State != Flushing {
		return b
	}
	return Buffer{}
}

// Reset starts a new turn.
func (b Buffer) Reset() Buffer {
	return Buffer{}
}
