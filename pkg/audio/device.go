package audio

// InputDevice is a physical (or mocked) audio capture device. Exactly one
// stream may be open at a time; [CaptureHub] owns the open/close lifecycle.
//
// Implementations deliver PCM from the device callback thread. The delivery
// function must never be called after Close returns.
type InputDevice interface {
	// Open starts capturing at the given format, invoking deliver with one
	// 60 ms PCM frame at a time. deliver must not block; it is called from
	// the device's real-time callback context.
	Open(format Format, deliver func(pcm []byte)) error

	// Close stops the running stream and releases the device. Close may block
	// while the device drains; callers that need a bound wrap it in a timeout.
	Close() error
}

// OutputDevice is a physical (or mocked) audio playback device driven by a
// pull callback.
type OutputDevice interface {
	// Open starts playback at the given format. fill is invoked once per
	// 60 ms period with a zeroed buffer of [Format.FrameBytes] bytes that the
	// callee fills with PCM; leaving it zeroed plays silence. fill must not
	// block.
	Open(format Format, fill func(out []byte)) error

	// Close stops playback and releases the device.
	Close() error
}
