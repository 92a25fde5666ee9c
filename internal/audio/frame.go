package audio

// Frame is one audio frame as received from or sent to a carrier.
type Frame struct {
	Data       []byte
	SampleRate int
	Encoding   Encoding
	Seq        uint64
	SessionID  string
}
