package vm

// ---------------------------------------------------------------------------
// CallStack: arena of frames for one execution context
// ---------------------------------------------------------------------------

// CallStack owns the activation frames of one execution context. Frames are
// index-addressed so a debugger or traceback builder can inspect any depth;
// each frame also links to its caller for chain walks.
type CallStack struct {
	frames []*Frame
}

// NewCallStack creates an empty call stack.
func NewCallStack() *CallStack {
	return &CallStack{}
}

// Push creates a frame for co, links it to the current top, and makes it
// the new top.
func (cs *CallStack) Push(co *CodeObject) *Frame {
	return cs.push(NewFrame(co))
}

// PushWithCells is Push for closure calls: the frame receives numCells
// fresh cells plus the captured free variable cells.
func (cs *CallStack) PushWithCells(co *CodeObject, numCells int, freeVars []*Cell) *Frame {
	return cs.push(NewFrameWithCells(co, numCells, freeVars))
}

func (cs *CallStack) push(f *Frame) *Frame {
	if len(cs.frames) > 0 {
		f.back = cs.frames[len(cs.frames)-1]
	}
	cs.frames = append(cs.frames, f)
	return f
}

// Pop removes and returns the top frame, or nil when the stack is empty.
func (cs *CallStack) Pop() *Frame {
	if len(cs.frames) == 0 {
		return nil
	}
	f := cs.frames[len(cs.frames)-1]
	cs.frames[len(cs.frames)-1] = nil
	cs.frames = cs.frames[:len(cs.frames)-1]
	return f
}

// Top returns the currently executing frame, or nil when the stack is
// empty.
func (cs *CallStack) Top() *Frame {
	if len(cs.frames) == 0 {
		return nil
	}
	return cs.frames[len(cs.frames)-1]
}

// Depth returns the number of active frames.
func (cs *CallStack) Depth() int { return len(cs.frames) }

// Frame returns the frame at the given depth: 0 is the entry frame. Out of
// range returns nil.
func (cs *CallStack) Frame(i int) *Frame {
	if i < 0 || i >= len(cs.frames) {
		return nil
	}
	return cs.frames[i]
}
