package mixer

import "fmt"

const (
	DefaultMergedWidth  = 640
	DefaultMergedHeight = 360
	DefaultKeyColor     = "green"
)

// Config is the topology configuration consumed by the synthesizer.
type Config struct {
	MergedWidth  int
	MergedHeight int
	KeyColor     string
}

func DefaultConfig() Config {
	return Config{
		MergedWidth:  DefaultMergedWidth,
		MergedHeight: DefaultMergedHeight,
		KeyColor:     DefaultKeyColor,
	}
}

func (c Config) Validate() error {
	if c.MergedWidth <= 0 || c.MergedHeight <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, c.MergedWidth, c.MergedHeight)
	}
	return nil
}
