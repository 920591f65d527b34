package backbone

// Config holds the architecture of the decoder backbone.
type Config struct {
	VocabSize        int
	HiddenSize       int
	NumLayers        int
	NumHeads         int
	IntermediateSize int
	MaxSeqLen        int
	LayerNormEps     float32
}

// DefaultTinyConfig is a small decoder used for tests and smoke runs.
func DefaultTinyConfig() Config {
	return Config{
		VocabSize:        256,
		HiddenSize:       64,
		NumLayers:        2,
		NumHeads:         4,
		IntermediateSize: 256,
		MaxSeqLen:        512,
		LayerNormEps:     1e-5,
	}
}
