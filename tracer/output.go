package tracer

import (
	"encoding/binary"
	"fmt"
	"io"
	"reflect"
	"strings"
	"sync"

	"github.com/shamaton/msgpack/v2"

	"github.com/torvine/concheck/scenario"
)

// Mode selects how recorded traces leave the process.
type Mode int

const (
	// Null discards everything; used for benchmarking recorder overhead.
	Null Mode = iota
	// Text buffers in memory and renders a terse tree after the root closes.
	Text
	// TextVerbose is Text plus objects, parameters, and leaf values.
	TextVerbose
	// BinaryDump buffers in memory and serializes the whole tree at the end.
	BinaryDump
	// BinaryStream writes each record incrementally as it is recorded.
	BinaryStream
)

// Record tags of the binary trace format. Each record is a one-byte tag
// followed by a uvarint length and a msgpack payload.
const (
	TagStringDef byte = iota + 1
	TagThread
	TagMethodCallOpen
	TagMethodCallClose
	TagMethodCallThrow
	TagRead
	TagWrite
	TagArrayRead
	TagArrayWrite
	TagLocalRead
	TagLocalWrite
	TagLoopOpen
	TagLoopIter
	TagLoopClose
)

var dumpMagic = []byte("CTRC1")

// ObjRef encodes an object reference as (class id, instance index within
// that class); class id is an index into the stream's string table.
type ObjRef struct {
	Class    uint32
	Instance uint32
}

type strDefRec struct {
	ID    uint32
	Value string
}

type threadRec struct {
	Tid int
}

type methodOpenRec struct {
	Class  uint32
	Method uint32
	Object ObjRef
	Params []string
}

type methodCloseRec struct {
	Status byte
	Result string
}

type methodThrowRec struct {
	Exception uint32
}

type accessRec struct {
	Field  uint32
	Object ObjRef
	Index  int
	Value  string
}

type loopOpenRec struct {
	LoopID int
}

type loopCloseRec struct {
	Status     byte
	Iterations int
}

// binaryWriter emits tagged records with interned strings and per-class
// object instance indices. Safe for concurrent use: worker threads emit
// while holding different scheduler turns, but Go gives no ordering
// guarantee on the writes themselves.
type binaryWriter struct {
	mu      sync.Mutex
	w       io.Writer
	strings map[string]uint32
	objects map[uint32]map[uintptr]uint32
	synth   map[string]uint32
	counts  map[uint32]uint32
	lastTid int
	err     error
}

func newBinaryWriter(w io.Writer) *binaryWriter {
	bw := &binaryWriter{
		w:       w,
		strings: make(map[string]uint32),
		objects: make(map[uint32]map[uintptr]uint32),
		synth:   make(map[string]uint32),
		counts:  make(map[uint32]uint32),
		lastTid: -1,
	}
	_, bw.err = w.Write(dumpMagic)
	return bw
}

func (bw *binaryWriter) record(tid int, tag byte, payload any) {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	if bw.err != nil {
		return
	}
	if tid != bw.lastTid {
		bw.lastTid = tid
		bw.write(TagThread, threadRec{Tid: tid})
	}
	bw.write(tag, payload)
}

func (bw *binaryWriter) write(tag byte, payload any) {
	data, err := msgpack.Marshal(payload)
	if err != nil {
		bw.err = err
		return
	}
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(data)))
	if _, err := bw.w.Write([]byte{tag}); err != nil {
		bw.err = err
		return
	}
	if _, err := bw.w.Write(lenBuf[:n]); err != nil {
		bw.err = err
		return
	}
	_, bw.err = bw.w.Write(data)
}

// intern must be called with bw.mu held.
func (bw *binaryWriter) intern(s string) uint32 {
	if id, ok := bw.strings[s]; ok {
		return id
	}
	id := uint32(len(bw.strings) + 1)
	bw.strings[s] = id
	bw.write(TagStringDef, strDefRec{ID: id, Value: s})
	return id
}

// objRef must be called with bw.mu held.
func (bw *binaryWriter) objRef(obj any) ObjRef {
	if obj == nil {
		return ObjRef{}
	}
	classID := bw.intern(classNameOf(obj))
	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Chan, reflect.Func, reflect.UnsafePointer, reflect.Slice:
		byClass, ok := bw.objects[classID]
		if !ok {
			byClass = make(map[uintptr]uint32)
			bw.objects[classID] = byClass
		}
		if idx, ok := byClass[v.Pointer()]; ok {
			return ObjRef{Class: classID, Instance: idx}
		}
		bw.counts[classID]++
		byClass[v.Pointer()] = bw.counts[classID]
		return ObjRef{Class: classID, Instance: bw.counts[classID]}
	}
	key := fmt.Sprintf("%d:%v", classID, obj)
	if idx, ok := bw.synth[key]; ok {
		return ObjRef{Class: classID, Instance: idx}
	}
	bw.counts[classID]++
	bw.synth[key] = bw.counts[classID]
	return ObjRef{Class: classID, Instance: bw.counts[classID]}
}

// StreamTo attaches the incremental binary writer; only meaningful in
// BinaryStream mode.
func (r *Recorder) StreamTo(w io.Writer) {
	r.stream = newBinaryWriter(w)
}

// StreamErr reports the first write error the stream hit, if any.
func (r *Recorder) StreamErr() error {
	if r.stream == nil {
		return nil
	}
	r.stream.mu.Lock()
	defer r.stream.mu.Unlock()
	return r.stream.err
}

func (r *Recorder) streaming() bool { return r.mode == BinaryStream && r.stream != nil }

func (r *Recorder) emitOpen(tr *threadRecorder, tp *scenario.TracePoint) {
	if !r.streaming() {
		return
	}
	bw := r.stream
	switch tp.Kind {
	case scenario.KindMethodCall:
		bw.mu.Lock()
		rec := methodOpenRec{Class: bw.intern(tp.Class), Method: bw.intern(tp.Method), Object: bw.objRef(tp.Object)}
		for _, p := range tp.Params {
			rec.Params = append(rec.Params, fmt.Sprintf("%v", p))
		}
		bw.mu.Unlock()
		bw.record(tr.tid, TagMethodCallOpen, rec)
	case scenario.KindLoop:
		bw.record(tr.tid, TagLoopOpen, loopOpenRec{LoopID: tp.LoopID})
	case scenario.KindLoopIteration:
		bw.record(tr.tid, TagLoopIter, struct{}{})
	}
}

func (r *Recorder) emitClose(tr *threadRecorder, tp *scenario.TracePoint) {
	if !r.streaming() {
		return
	}
	bw := r.stream
	switch tp.Kind {
	case scenario.KindMethodCall:
		if tp.Status == scenario.CompletedWithException {
			bw.mu.Lock()
			rec := methodThrowRec{Exception: bw.intern(tp.Exception)}
			bw.mu.Unlock()
			bw.record(tr.tid, TagMethodCallThrow, rec)
			return
		}
		bw.record(tr.tid, TagMethodCallClose, methodCloseRec{Status: byte(tp.Status), Result: resultString(tp.Result)})
	case scenario.KindLoop:
		bw.record(tr.tid, TagLoopClose, loopCloseRec{Status: byte(tp.Status), Iterations: tp.Iterations})
	case scenario.KindLoopIteration:
		// iteration boundaries are encoded by the next TagLoopIter or the
		// enclosing TagLoopClose
	}
}

func (r *Recorder) emitLeaf(tr *threadRecorder, tp *scenario.TracePoint) {
	if !r.streaming() {
		return
	}
	bw := r.stream
	bw.mu.Lock()
	rec := accessRec{Field: bw.intern(tp.Field), Object: bw.objRef(tp.Object), Index: tp.Index, Value: fmt.Sprintf("%v", tp.Value)}
	bw.mu.Unlock()
	bw.record(tr.tid, leafTag(tp.Kind), rec)
}

func leafTag(k scenario.TracePointKind) byte {
	switch k {
	case scenario.KindRead:
		return TagRead
	case scenario.KindWrite:
		return TagWrite
	case scenario.KindArrayRead:
		return TagArrayRead
	case scenario.KindArrayWrite:
		return TagArrayWrite
	case scenario.KindLocalRead:
		return TagLocalRead
	default:
		return TagLocalWrite
	}
}

// Dump serializes the buffered trees to w according to the recorder's
// mode. For BinaryStream the records were already written incrementally
// and Dump only reports the stream's error state.
func (r *Recorder) Dump(w io.Writer) error {
	switch r.mode {
	case Null:
		return nil
	case BinaryStream:
		return r.StreamErr()
	case BinaryDump:
		bw := newBinaryWriter(w)
		for tid, root := range r.Roots() {
			dumpTree(bw, tid, root)
		}
		bw.mu.Lock()
		defer bw.mu.Unlock()
		return bw.err
	default:
		verbose := r.mode == TextVerbose
		for tid, root := range r.Roots() {
			if _, err := fmt.Fprintf(w, "=== thread %d ===\n", tid); err != nil {
				return err
			}
			if err := writeText(w, root, 0, verbose); err != nil {
				return err
			}
		}
		return nil
	}
}

// dumpTree walks a finished tree emitting the same record sequence the
// streaming writer would have produced live.
func dumpTree(bw *binaryWriter, tid int, tp *scenario.TracePoint) {
	switch tp.Kind {
	case scenario.KindMethodCall:
		bw.mu.Lock()
		rec := methodOpenRec{Class: bw.intern(tp.Class), Method: bw.intern(tp.Method), Object: bw.objRef(tp.Object)}
		for _, p := range tp.Params {
			rec.Params = append(rec.Params, fmt.Sprintf("%v", p))
		}
		bw.mu.Unlock()
		bw.record(tid, TagMethodCallOpen, rec)
		for _, c := range tp.Children {
			dumpTree(bw, tid, c)
		}
		if tp.Status == scenario.CompletedWithException {
			bw.mu.Lock()
			rec := methodThrowRec{Exception: bw.intern(tp.Exception)}
			bw.mu.Unlock()
			bw.record(tid, TagMethodCallThrow, rec)
		} else {
			bw.record(tid, TagMethodCallClose, methodCloseRec{Status: byte(tp.Status), Result: resultString(tp.Result)})
		}
	case scenario.KindLoop:
		bw.record(tid, TagLoopOpen, loopOpenRec{LoopID: tp.LoopID})
		for _, c := range tp.Children {
			dumpTree(bw, tid, c)
		}
		bw.record(tid, TagLoopClose, loopCloseRec{Status: byte(tp.Status), Iterations: tp.Iterations})
	case scenario.KindLoopIteration:
		bw.record(tid, TagLoopIter, struct{}{})
		for _, c := range tp.Children {
			dumpTree(bw, tid, c)
		}
	default:
		bw.mu.Lock()
		rec := accessRec{Field: bw.intern(tp.Field), Object: bw.objRef(tp.Object), Index: tp.Index, Value: fmt.Sprintf("%v", tp.Value)}
		bw.mu.Unlock()
		bw.record(tid, leafTag(tp.Kind), rec)
	}
}

func writeText(w io.Writer, tp *scenario.TracePoint, depth int, verbose bool) error {
	indent := strings.Repeat("  ", depth)
	var line string
	switch tp.Kind {
	case scenario.KindMethodCall:
		line = fmt.Sprintf("%s%s.%s", indent, tp.Class, tp.Method)
		if verbose && len(tp.Params) > 0 {
			line += fmt.Sprintf("(%v)", tp.Params)
		}
		switch tp.Status {
		case scenario.CompletedWithResult:
			line += " -> " + resultString(tp.Result)
		case scenario.CompletedWithException:
			line += " !! " + tp.Exception
		case scenario.Unfinished:
			line += " <unfinished>"
		}
	case scenario.KindLoop:
		line = fmt.Sprintf("%sloop#%d (%d iterations)", indent, tp.LoopID, tp.Iterations)
		if tp.Status == scenario.Unfinished {
			line += " <unfinished>"
		}
	case scenario.KindLoopIteration:
		line = indent + "iteration"
	case scenario.KindRead:
		line = fmt.Sprintf("%sread %s = %v", indent, tp.Field, tp.Value)
	case scenario.KindWrite:
		line = fmt.Sprintf("%swrite %s = %v", indent, tp.Field, tp.Value)
	case scenario.KindArrayRead:
		line = fmt.Sprintf("%sread [%d] = %v", indent, tp.Index, tp.Value)
	case scenario.KindArrayWrite:
		line = fmt.Sprintf("%swrite [%d] = %v", indent, tp.Index, tp.Value)
	case scenario.KindLocalRead:
		line = fmt.Sprintf("%slocal read %s = %v", indent, tp.Field, tp.Value)
	case scenario.KindLocalWrite:
		line = fmt.Sprintf("%slocal write %s = %v", indent, tp.Field, tp.Value)
	}
	if _, err := fmt.Fprintln(w, line); err != nil {
		return err
	}
	for _, c := range tp.Children {
		if err := writeText(w, c, depth+1, verbose); err != nil {
			return err
		}
	}
	return nil
}

func resultString(r scenario.Result) string {
	if r == nil {
		return ""
	}
	return r.String()
}

func classNameOf(v any) string {
	t := reflect.TypeOf(v)
	if t == nil {
		return "nil"
	}
	return strings.TrimPrefix(t.String(), "*")
}
