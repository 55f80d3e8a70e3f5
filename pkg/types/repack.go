package types

// DefaultGzGroupSize is the number of records compressed together when
// building gzip segments.
const DefaultGzGroupSize = 512

// TestMischiefMoveData makes repacks shift every record away from its
// previous position, so tests notice callers that ignore the new offsets.
const TestMischiefMoveData uint = 1 << 0

// RepackConfig tunes repacks and conversions.
type RepackConfig struct {
	// GzGroupSize is the number of records per compressed group; 0 means
	// one group for the whole segment.
	GzGroupSize uint
	TestFlags   uint
}

func DefaultRepackConfig() RepackConfig {
	return RepackConfig{GzGroupSize: DefaultGzGroupSize}
}
