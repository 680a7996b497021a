package keyword

// Detection is a single wake-phrase hit reported by a [Recognizer].
type Detection struct {
	// Keyword is the configured wake phrase that matched.
	Keyword string

	// Confidence is the match score in [0, 1].
	Confidence float64

	// Model names the recognizer model that produced the hit.
	Model string
}

// Recognizer consumes raw 16-bit little-endian mono PCM and reports wake
// phrase detections. Implementations own whatever buffering, segmentation,
// and inference machinery they need; Feed must not block for the duration
// of an inference.
//
// A Recognizer is single-use: once closed it cannot be restarted. The
// spotter allocates a replacement through its [Factory] instead.
type Recognizer interface {
	// Start begins recognition. onDetect is invoked from an internal
	// goroutine for every detection, sequentially.
	Start(onDetect func(Detection)) error

	// Feed hands a chunk of PCM to the recognizer. Chunks arriving faster
	// than inference can drain them may be dropped.
	Feed(pcm []byte)

	// Close stops recognition and releases the model. Safe to call more
	// than once.
	Close() error
}

// Factory allocates a fresh [Recognizer] together with a fresh model
// instance. The spotter invokes it on every start and restart; disposed
// recognizers are never reused.
type Factory func() (Recognizer, error)
