package rimage

// FrameSource produces the most recent available frame on demand. GetFrame returns nil until a
// frame has been produced. Returned frames are shared and must be treated as read only.
type FrameSource interface {
	GetFrame() *Frame
}

// FrameSourceFunc adapts a function to a FrameSource.
type FrameSourceFunc func() *Frame

// GetFrame calls the underlying function.
func (fn FrameSourceFunc) GetFrame() *Frame {
	return fn()
}

// StaticSource always returns the same frame.
type StaticSource struct {
	Frame *Frame
}

// GetFrame returns the stored frame.
func (s StaticSource) GetFrame() *Frame {
	return s.Frame
}
