package capture

import (
	"time"

	"framecast/internal/types"
)

// Settings tunes a capture session. Backends that cannot honor a requested
// setting fail Start with ErrUnsupportedOption rather than silently
// ignoring it, except where a field documents otherwise.
type Settings struct {
	// CaptureCursor composites the pointer into delivered surfaces.
	CaptureCursor bool

	// DrawBorder asks the OS to mark the captured region. Best effort;
	// backends without the concept ignore it.
	DrawBorder bool

	// IncludeSecondaryWindows captures tooltips and popups owned by a
	// window target. Display targets ignore it.
	IncludeSecondaryWindows bool

	// MinUpdateInterval throttles delivery: surfaces arriving sooner than
	// this after the last delivered one are acknowledged and dropped.
	// Zero means no throttling.
	MinUpdateInterval time.Duration

	// ReportDirtyRegions attaches changed-rect metadata to surfaces on
	// backends that track damage.
	ReportDirtyRegions bool

	// Format is the pixel format frames are staged in. Backends deliver
	// their native format; the staging pool converts to this.
	Format types.PixelFormat

	// QueueDepth is the handoff queue depth for push backends. Minimum
	// and default is 2.
	QueueDepth int
}

// DefaultSettings matches the common interactive case: cursor on, RGBA8
// output, ~60 Hz delivery ceiling.
func DefaultSettings() Settings {
	return Settings{
		CaptureCursor:     true,
		MinUpdateInterval: 16667 * time.Microsecond,
		Format:            types.RGBA8,
		QueueDepth:        2,
	}
}

func (s Settings) queueDepth() int {
	if s.QueueDepth < 2 {
		return 2
	}
	return s.QueueDepth
}
