// Package tracer records, per thread, a strictly balanced tree of
// containers (method calls, loops, loop iterations) and leaves (reads,
// writes, local variable accesses) while a managed worker runs. Every
// container opened is guaranteed closed, whether the thread returns
// normally, throws, is forcibly finished, or is shut down while live by
// the main thread.
package tracer

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/torvine/concheck/guard"
	"github.com/torvine/concheck/scenario"
)

// rootClass names the synthetic container every thread's trace lives in.
const rootClass = "Thread"

// Recorder owns one trace tree per thread for a single invocation.
type Recorder struct {
	policy *guard.Policy
	mode   Mode
	stream *binaryWriter // non-nil only in BinaryStream mode

	mu      sync.Mutex
	threads map[int]*threadRecorder
}

// stackFrame is one open method call plus its open-loop stack.
type stackFrame struct {
	call     *scenario.TracePoint
	loops    []*loopFrame
	isInline bool
	section  guard.Kind
}

type loopFrame struct {
	loop      *scenario.TracePoint
	iteration *scenario.TracePoint
}

// threadRecorder is the per-thread state. All fields except the two
// atomics are touched only by the owning thread while it runs; the main
// thread reads them during shutdown only after the analysis/injected
// handshake below.
type threadRecorder struct {
	tid    int
	root   *scenario.TracePoint
	frames []*stackFrame

	// insideInjected is the shutdown handshake: the instrumented prologue
	// sets it, the epilogue clears it, and the main thread spin-waits on
	// it before walking this thread's stacks.
	insideInjected  atomic.Bool
	analysisEnabled atomic.Bool
}

// New builds a recorder; policy may be nil (no guarantees configured).
// For Mode BinaryStream, attach a writer with StreamTo before recording.
func New(policy *guard.Policy, mode Mode) *Recorder {
	return &Recorder{
		policy:  policy,
		mode:    mode,
		threads: make(map[int]*threadRecorder),
	}
}

// threadFor lazily allocates the descriptor for tid, the fork-time half of
// the thread lifecycle.
func (r *Recorder) threadFor(tid int) *threadRecorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.threads[tid]; ok {
		return tr
	}
	tr := &threadRecorder{tid: tid}
	tr.analysisEnabled.Store(true)
	r.threads[tid] = tr
	return tr
}

// EnterInjected marks tid as inside an instrumented prologue. Every
// injected callback must call this first and pair it with LeaveInjected
// on all exit paths.
func (r *Recorder) EnterInjected(tid int) { r.threadFor(tid).insideInjected.Store(true) }

// LeaveInjected clears the handshake flag.
func (r *Recorder) LeaveInjected(tid int) { r.threadFor(tid).insideInjected.Store(false) }

// StartThread opens tid's synthetic root container. Must be called by the
// worker itself before any other recording on that thread.
func (r *Recorder) StartThread(tid int) {
	tr := r.threadFor(tid)
	tr.root = &scenario.TracePoint{
		Kind:   scenario.KindMethodCall,
		Class:  rootClass,
		Method: "run",
	}
	tr.frames = []*stackFrame{{call: tr.root}}
	r.emitOpen(tr, tr.root)
}

// FinishThread closes tid's root container, normally or exceptionally.
func (r *Recorder) FinishThread(tid int, err error) {
	tr := r.threadFor(tid)
	if len(tr.frames) == 0 {
		return
	}
	// Anything the thread left open above the root (a ForcibleFinish
	// unwound past open calls) is closed unfinished first.
	for len(tr.frames) > 1 {
		r.closeFrame(tr, scenario.Unfinished, nil, "")
	}
	if err != nil {
		r.closeFrame(tr, scenario.CompletedWithException, nil, classNameOf(err))
	} else {
		r.closeFrame(tr, scenario.CompletedWithResult, scenario.VoidResult{}, "")
	}
}

// MethodEnter opens a method-call container as a child of tid's current
// container. The guarantee policy classifies the method; IGNORED and
// ATOMIC methods suppress all recording inside them.
func (r *Recorder) MethodEnter(tid int, class, method string, obj any, params []any) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() {
		return
	}

	section := guard.None
	if r.policy != nil {
		section = r.policy.Classify(class, method)
	}

	call := &scenario.TracePoint{
		Kind:   scenario.KindMethodCall,
		Class:  class,
		Method: method,
		Object: obj,
		Params: params,
	}
	if !tr.suppressed() {
		r.attach(tr, call)
		if section != guard.Silent {
			r.emitOpen(tr, call)
		}
	}
	tr.frames = append(tr.frames, &stackFrame{call: call, section: section})
}

// MethodEnterInline opens an inline method call: a frame the compiler
// inlined, which return instrumentation may not see. MethodReturn closes
// any still-open inline frames before the real one.
func (r *Recorder) MethodEnterInline(tid int, class, method string) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() {
		return
	}
	call := &scenario.TracePoint{Kind: scenario.KindMethodCall, Class: class, Method: method}
	if !tr.suppressed() {
		r.attach(tr, call)
		r.emitOpen(tr, call)
	}
	tr.frames = append(tr.frames, &stackFrame{call: call, isInline: true})
}

// MethodReturn closes the current method call with a result. Still-open
// inline calls are closed first (with an error report: their epilogue was
// missed), then any loops the method left open.
func (r *Recorder) MethodReturn(tid int, result scenario.Result) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() || len(tr.frames) <= 1 {
		return
	}
	for tr.top().isInline {
		log.Error().Int("tid", tid).Str("method", tr.top().call.Method).Msg("inline call left open at method return")
		r.closeFrame(tr, scenario.Unfinished, nil, "")
		if len(tr.frames) <= 1 {
			return
		}
	}
	r.closeFrame(tr, scenario.CompletedWithResult, result, "")
}

// MethodThrow closes the current method call with an exception class name.
func (r *Recorder) MethodThrow(tid int, className string) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() || len(tr.frames) <= 1 {
		return
	}
	for tr.top().isInline {
		r.closeFrame(tr, scenario.Unfinished, nil, "")
		if len(tr.frames) <= 1 {
			return
		}
	}
	r.closeFrame(tr, scenario.CompletedWithException, nil, className)
}

// closeFrame pops the top frame: closes its open loops in stack order,
// then completes the call node with the given status.
func (r *Recorder) closeFrame(tr *threadRecorder, status scenario.CompletionStatus, result scenario.Result, exception string) {
	f := tr.top()
	for len(f.loops) > 0 {
		r.closeLoop(tr, f, status)
	}
	f.call.Status = status
	f.call.Result = result
	f.call.Exception = exception
	tr.frames = tr.frames[:len(tr.frames)-1]
	if !tr.suppressed() && f.section != guard.Silent {
		r.emitClose(tr, f.call)
	}
}

// Read records a shared field read leaf.
func (r *Recorder) Read(tid int, field string, obj, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindRead, Field: field, Object: obj, Value: value})
}

// Write records a shared field write leaf.
func (r *Recorder) Write(tid int, field string, obj, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindWrite, Field: field, Object: obj, Value: value})
}

// ArrayRead records an indexed read leaf.
func (r *Recorder) ArrayRead(tid int, obj any, index int, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindArrayRead, Object: obj, Index: index, Value: value})
}

// ArrayWrite records an indexed write leaf.
func (r *Recorder) ArrayWrite(tid int, obj any, index int, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindArrayWrite, Object: obj, Index: index, Value: value})
}

// LocalRead records a local-variable read leaf.
func (r *Recorder) LocalRead(tid int, name string, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindLocalRead, Field: name, Value: value})
}

// LocalWrite records a local-variable write leaf.
func (r *Recorder) LocalWrite(tid int, name string, value any) {
	r.leaf(tid, &scenario.TracePoint{Kind: scenario.KindLocalWrite, Field: name, Value: value})
}

func (r *Recorder) leaf(tid int, tp *scenario.TracePoint) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() || len(tr.frames) == 0 || tr.suppressed() {
		return
	}
	r.attach(tr, tp)
	r.emitLeaf(tr, tp)
}

// LoopBackEdge is called on every instrumented back-edge: it opens a new
// Loop container when loopID differs from the innermost open loop, or
// closes the current iteration and starts the next one otherwise.
func (r *Recorder) LoopBackEdge(tid int, loopID int) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() || len(tr.frames) == 0 {
		return
	}
	f := tr.top()
	if cur := f.topLoop(); cur != nil && cur.loop.LoopID == loopID {
		r.closeIteration(tr, cur, scenario.CompletedWithResult)
		r.openIteration(tr, cur)
		return
	}

	loop := &scenario.TracePoint{Kind: scenario.KindLoop, LoopID: loopID}
	if !tr.suppressed() {
		r.attach(tr, loop)
		r.emitOpen(tr, loop)
	}
	lf := &loopFrame{loop: loop}
	f.loops = append(f.loops, lf)
	r.openIteration(tr, lf)
}

// LoopExit closes the loop identified by loopID. exitReachableFromOutside
// reports whether the exit edge can be reached from outside the loop: if
// it cannot, loopID must match the innermost open loop; if it can,
// enclosing loops are iterated and closed until the id matches or no loop
// remains open, tolerating breaks out of nested loops.
func (r *Recorder) LoopExit(tid int, loopID int, exitReachableFromOutside bool) {
	tr := r.threadFor(tid)
	if !tr.analysisEnabled.Load() || len(tr.frames) == 0 {
		return
	}
	f := tr.top()
	cur := f.topLoop()
	if cur == nil {
		if exitReachableFromOutside {
			return
		}
		log.Error().Int("tid", tid).Int("loop_id", loopID).Msg("loop exit with no open loop")
		return
	}
	if !exitReachableFromOutside && cur.loop.LoopID != loopID {
		log.Error().Int("tid", tid).Int("loop_id", loopID).Int("open_loop", cur.loop.LoopID).
			Msg("loop exit does not match the innermost open loop")
	}
	for cur != nil {
		matched := cur.loop.LoopID == loopID
		r.closeLoop(tr, f, scenario.CompletedWithResult)
		if matched {
			return
		}
		cur = f.topLoop()
	}
}

func (r *Recorder) openIteration(tr *threadRecorder, lf *loopFrame) {
	iter := &scenario.TracePoint{Kind: scenario.KindLoopIteration}
	iter.Parent = lf.loop
	lf.loop.Children = append(lf.loop.Children, iter)
	lf.loop.Iterations++
	lf.iteration = iter
	if !tr.suppressed() {
		r.emitOpen(tr, iter)
	}
}

func (r *Recorder) closeIteration(tr *threadRecorder, lf *loopFrame, status scenario.CompletionStatus) {
	if lf.iteration == nil {
		return
	}
	lf.iteration.Status = status
	if !tr.suppressed() {
		r.emitClose(tr, lf.iteration)
	}
	lf.iteration = nil
}

// closeLoop closes the innermost loop of f: the open iteration first, then
// the loop container itself.
func (r *Recorder) closeLoop(tr *threadRecorder, f *stackFrame, status scenario.CompletionStatus) {
	lf := f.topLoop()
	if lf == nil {
		return
	}
	r.closeIteration(tr, lf, status)
	lf.loop.Status = status
	f.loops = f.loops[:len(f.loops)-1]
	if !tr.suppressed() {
		r.emitClose(tr, lf.loop)
	}
}

// ShutdownLiveThreads is called by the main thread when it finishes while
// workers are still alive: for each live thread it disables analysis
// first, spin-waits until the thread is outside any instrumented
// prologue, then walks its stacks closing every open container as
// Unfinished.
func (r *Recorder) ShutdownLiveThreads(mainTid int) {
	r.mu.Lock()
	live := make([]*threadRecorder, 0, len(r.threads))
	for tid, tr := range r.threads {
		if tid != mainTid && len(tr.frames) > 0 {
			live = append(live, tr)
		}
	}
	r.mu.Unlock()

	for _, tr := range live {
		tr.analysisEnabled.Store(false)
	}
	for _, tr := range live {
		for tr.insideInjected.Load() {
			// bounded by the epilogue of whatever injected callback the
			// thread is currently inside
		}
		for len(tr.frames) > 0 {
			r.closeFrame(tr, scenario.Unfinished, nil, "")
		}
	}
}

// Root returns tid's trace tree, available once the thread finished or was
// shut down.
func (r *Recorder) Root(tid int) *scenario.TracePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	if tr, ok := r.threads[tid]; ok {
		return tr.root
	}
	return nil
}

// Roots returns every recorded thread's trace tree, keyed by tid.
func (r *Recorder) Roots() map[int]*scenario.TracePoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[int]*scenario.TracePoint, len(r.threads))
	for tid, tr := range r.threads {
		if tr.root != nil {
			out[tid] = tr.root
		}
	}
	return out
}

// attach links tp under tid's current container: the innermost open loop
// iteration if one exists, else the current method call.
func (r *Recorder) attach(tr *threadRecorder, tp *scenario.TracePoint) {
	f := tr.top()
	parent := f.call
	if lf := f.topLoop(); lf != nil && lf.iteration != nil {
		parent = lf.iteration
	}
	tp.Parent = parent
	parent.Children = append(parent.Children, tp)
}

func (tr *threadRecorder) top() *stackFrame { return tr.frames[len(tr.frames)-1] }

// suppressed reports whether any enclosing frame is inside an IGNORED or
// ATOMIC section.
func (tr *threadRecorder) suppressed() bool {
	for _, f := range tr.frames {
		if f.section == guard.Ignore || f.section == guard.Atomic {
			return true
		}
	}
	return false
}

func (f *stackFrame) topLoop() *loopFrame {
	if len(f.loops) == 0 {
		return nil
	}
	return f.loops[len(f.loops)-1]
}
