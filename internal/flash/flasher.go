package flash

import "context"

// Params is everything a flashing tool needs to program one probe's target.
type Params struct {
	ProbeUID  string
	Target    string
	Frequency string
	Image     string
	// Pack is an absolute path to a device pack, or empty.
	Pack string
}

// Flasher programs a target. Output lines are passed to emit as they are
// produced; emit is not called after Flash returns. Errors should wrap
// ErrFlashTool.
type Flasher interface {
	Flash(ctx context.Context, p Params, emit func(line string)) error
}

// FlasherFunc adapts a function to Flasher.
type FlasherFunc func(ctx context.Context, p Params, emit func(line string)) error

// Flash calls f.
func (f FlasherFunc) Flash(ctx context.Context, p Params, emit func(line string)) error {
	return f(ctx, p, emit)
}
