package tracer

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/shamaton/msgpack/v2"

	"github.com/torvine/concheck/scenario"
)

// ReadDump parses a binary trace dump (BinaryDump or a finished
// BinaryStream) back into per-thread trace trees, used by the trace
// inspection CLI.
func ReadDump(r io.Reader) (map[int]*scenario.TracePoint, error) {
	br := bufio.NewReader(r)
	magic := make([]byte, len(dumpMagic))
	if _, err := io.ReadFull(br, magic); err != nil {
		return nil, fmt.Errorf("tracer: reading magic: %w", err)
	}
	if !bytes.Equal(magic, dumpMagic) {
		return nil, errors.New("tracer: not a trace dump")
	}

	strs := make(map[uint32]string)
	roots := make(map[int]*scenario.TracePoint)
	stacks := make(map[int][]*scenario.TracePoint)
	curTid := -1

	str := func(id uint32) string { return strs[id] }
	top := func() *scenario.TracePoint {
		s := stacks[curTid]
		if len(s) == 0 {
			return nil
		}
		return s[len(s)-1]
	}
	push := func(tp *scenario.TracePoint) {
		if parent := top(); parent != nil {
			tp.Parent = parent
			parent.Children = append(parent.Children, tp)
		} else {
			roots[curTid] = tp
		}
		stacks[curTid] = append(stacks[curTid], tp)
	}
	pop := func() *scenario.TracePoint {
		s := stacks[curTid]
		if len(s) == 0 {
			return nil
		}
		tp := s[len(s)-1]
		stacks[curTid] = s[:len(s)-1]
		return tp
	}

	for {
		tag, err := br.ReadByte()
		if err == io.EOF {
			return roots, nil
		}
		if err != nil {
			return nil, err
		}
		length, err := binary.ReadUvarint(br)
		if err != nil {
			return nil, err
		}
		payload := make([]byte, length)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, err
		}

		switch tag {
		case TagStringDef:
			var rec strDefRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			strs[rec.ID] = rec.Value

		case TagThread:
			var rec threadRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			curTid = rec.Tid

		case TagMethodCallOpen:
			var rec methodOpenRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			params := make([]any, 0, len(rec.Params))
			for _, p := range rec.Params {
				params = append(params, p)
			}
			push(&scenario.TracePoint{
				Kind:   scenario.KindMethodCall,
				Class:  str(rec.Class),
				Method: str(rec.Method),
				Params: params,
			})

		case TagMethodCallClose:
			var rec methodCloseRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			if tp := pop(); tp != nil {
				tp.Status = scenario.CompletionStatus(rec.Status)
				if rec.Result != "" {
					tp.Result = scenario.ValueResult{Value: rec.Result}
				}
			}

		case TagMethodCallThrow:
			var rec methodThrowRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			if tp := pop(); tp != nil {
				tp.Status = scenario.CompletedWithException
				tp.Exception = str(rec.Exception)
			}

		case TagLoopOpen:
			var rec loopOpenRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			push(&scenario.TracePoint{Kind: scenario.KindLoop, LoopID: rec.LoopID})

		case TagLoopIter:
			if tp := top(); tp != nil && tp.Kind == scenario.KindLoopIteration {
				pop()
			}
			push(&scenario.TracePoint{Kind: scenario.KindLoopIteration, Status: scenario.CompletedWithResult})

		case TagLoopClose:
			var rec loopCloseRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			if tp := top(); tp != nil && tp.Kind == scenario.KindLoopIteration {
				pop()
			}
			if tp := pop(); tp != nil {
				tp.Status = scenario.CompletionStatus(rec.Status)
				tp.Iterations = rec.Iterations
			}

		case TagRead, TagWrite, TagArrayRead, TagArrayWrite, TagLocalRead, TagLocalWrite:
			var rec accessRec
			if err := msgpack.Unmarshal(payload, &rec); err != nil {
				return nil, err
			}
			kind := map[byte]scenario.TracePointKind{
				TagRead:       scenario.KindRead,
				TagWrite:      scenario.KindWrite,
				TagArrayRead:  scenario.KindArrayRead,
				TagArrayWrite: scenario.KindArrayWrite,
				TagLocalRead:  scenario.KindLocalRead,
				TagLocalWrite: scenario.KindLocalWrite,
			}[tag]
			leaf := &scenario.TracePoint{Kind: kind, Field: str(rec.Field), Index: rec.Index, Value: rec.Value}
			if parent := top(); parent != nil {
				leaf.Parent = parent
				parent.Children = append(parent.Children, leaf)
			}

		default:
			return nil, fmt.Errorf("tracer: unknown record tag %d", tag)
		}
	}
}

// FormatText renders a parsed trace tree the same way the Text output mode
// does.
func FormatText(w io.Writer, root *scenario.TracePoint, verbose bool) error {
	return writeText(w, root, 0, verbose)
}
