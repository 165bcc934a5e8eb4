package session

import (
	"sync"

	"github.com/opd-ai/relaychat/transport"
)

// fakeSender records every frame handed to it.
type fakeSender struct {
	mu     sync.Mutex
	frames []*transport.Frame
	err    error
}

func (f *fakeSender) Send(frame *transport.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.frames = append(f.frames, frame)
	return nil
}

func (f *fakeSender) sent() []*transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*transport.Frame(nil), f.frames...)
}

func (f *fakeSender) last() *transport.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frames) == 0 {
		return nil
	}
	return f.frames[len(f.frames)-1]
}
