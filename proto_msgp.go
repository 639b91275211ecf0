package roo

import (
	"errors"
	"fmt"

	"github.com/glycerine/greenpack/msgp"
)

// Headers are written as one msgpack array per header:
//
//	[opcode, msgtype, field...]
//
// Ids are flattened into consecutive uint64/uint32 fields and
// wire addresses are msgpack bin. The payload, if any,
// follows immediately after the array.

var ErrUnknownOpcode = errors.New("roo: unrecognized wire tag")
var ErrShortHeader = errors.New("roo: truncated or malformed header")

// number of array elements for each fixed-size header.
const (
	requestFields    = 11
	responseFields   = 21
	manifestFixed    = 6 // plus manifestRecord per manifest
	manifestRecord   = 7
	pingFields       = 10
	pongFields       = 7
	errorFields      = 8
	delegationFields = 10

	maxManifestsPerHeader = 1 << 16
)

// AppendHeader appends the wire form of h to b.
func AppendHeader(b []byte, h Header) []byte {
	switch x := h.(type) {
	case *RequestHeader:
		b = appendPrefix(b, requestFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
		b = appendRequestId(b, x.RequestId)
		b = msgp.AppendBytes(b, x.ReplyTo)
		b = msgp.AppendBool(b, x.Compressed)
	case *ResponseHeader:
		b = appendPrefix(b, responseFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
		b = appendResponseId(b, x.ResponseId)
		b = msgp.AppendBytes(b, x.Source)
		b = msgp.AppendBool(b, x.Compressed)
		b = msgp.AppendBool(b, x.ManifestImplied)
		b = msgp.AppendBool(b, x.HasManifest)
		b = appendManifest(b, x.Manifest)
	case *ManifestHeader:
		b = appendPrefix(b, uint32(manifestFixed+manifestRecord*len(x.Manifests)), x)
		b = appendRooId(b, x.RooId)
		b = msgp.AppendBytes(b, x.Source)
		b = msgp.AppendUint32(b, uint32(len(x.Manifests)))
		for _, m := range x.Manifests {
			b = appendManifest(b, m)
		}
	case *PingHeader:
		b = appendPrefix(b, pingFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
		b = appendRequestId(b, x.Target)
		b = msgp.AppendBytes(b, x.ReplyTo)
	case *PongHeader:
		b = appendPrefix(b, pongFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
	case *ErrorHeader:
		b = appendPrefix(b, errorFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
		b = msgp.AppendString(b, x.Reason)
	case *DelegationHeader:
		b = appendPrefix(b, delegationFields, x)
		b = appendRooId(b, x.RooId)
		b = appendBranchId(b, x.BranchId)
		b = appendRequestId(b, x.RequestId)
		b = msgp.AppendBytes(b, x.Address)
	default:
		panic(fmt.Sprintf("AppendHeader: unhandled header type %T", h))
	}
	return b
}

// DecodeHeader reads one header from the front of b, returning
// it along with the number of bytes it occupied.
func DecodeHeader(b []byte) (h Header, n int, err error) {
	r := &wireReader{b: b}
	sz := r.arrayHeader()
	op := Opcode(r.u8())
	typ := MsgType(r.u8())
	if r.err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrShortHeader, r.err)
	}

	want := uint32(0)
	switch {
	case op == OpMessage && typ == MsgRequest:
		x := &RequestHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		x.RequestId = r.requestId()
		x.ReplyTo = r.bytes()
		x.Compressed = r.boolean()
		h, want = x, requestFields

	case op == OpMessage && typ == MsgResponse:
		x := &ResponseHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		x.ResponseId = r.responseId()
		x.Source = r.bytes()
		x.Compressed = r.boolean()
		x.ManifestImplied = r.boolean()
		x.HasManifest = r.boolean()
		x.Manifest = r.manifest()
		h, want = x, responseFields

	case op == OpManifest && typ == MsgNone:
		x := &ManifestHeader{}
		x.RooId = r.rooId()
		x.Source = r.bytes()
		count := r.u32()
		if r.err == nil && count > maxManifestsPerHeader {
			return nil, 0, fmt.Errorf("%w: manifest count %v too large", ErrShortHeader, count)
		}
		for i := uint32(0); i < count && r.err == nil; i++ {
			x.Manifests = append(x.Manifests, r.manifest())
		}
		h, want = x, manifestFixed+manifestRecord*count

	case op == OpPing && typ == MsgNone:
		x := &PingHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		x.Target = r.requestId()
		x.ReplyTo = r.bytes()
		h, want = x, pingFields

	case op == OpPong && typ == MsgNone:
		x := &PongHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		h, want = x, pongFields

	case op == OpError && typ == MsgNone:
		x := &ErrorHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		x.Reason = r.str()
		h, want = x, errorFields

	case op == OpDelegation && typ == MsgNone:
		x := &DelegationHeader{}
		x.RooId = r.rooId()
		x.BranchId = r.branchId()
		x.RequestId = r.requestId()
		x.Address = r.bytes()
		h, want = x, delegationFields

	default:
		return nil, 0, fmt.Errorf("%w: opcode %v type %v", ErrUnknownOpcode, op, typ)
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("%w: %v: %v", ErrShortHeader, op, r.err)
	}
	if sz != want {
		return nil, 0, fmt.Errorf("%w: %v/%v has %v fields, want %v", ErrShortHeader, op, typ, sz, want)
	}
	return h, len(b) - len(r.b), nil
}

func appendPrefix(b []byte, fields uint32, h Header) []byte {
	b = msgp.AppendArrayHeader(b, fields)
	b = msgp.AppendUint8(b, uint8(h.Opcode()))
	return msgp.AppendUint8(b, uint8(h.MsgType()))
}

func appendRooId(b []byte, id RooId) []byte {
	b = msgp.AppendUint64(b, uint64(id.Socket))
	return msgp.AppendUint64(b, uint64(id.Seq))
}

func appendTaskId(b []byte, id TaskId) []byte {
	b = msgp.AppendUint64(b, uint64(id.Socket))
	return msgp.AppendUint64(b, uint64(id.Seq))
}

func appendRequestId(b []byte, id RequestId) []byte {
	b = msgp.AppendUint64(b, uint64(id.Socket))
	return msgp.AppendUint64(b, uint64(id.Seq))
}

func appendBranchId(b []byte, id BranchId) []byte {
	b = appendTaskId(b, id.Task)
	return msgp.AppendUint32(b, id.Index)
}

func appendResponseId(b []byte, id ResponseId) []byte {
	b = appendTaskId(b, id.Task)
	return msgp.AppendUint32(b, id.Index)
}

func appendManifest(b []byte, m Manifest) []byte {
	b = appendBranchId(b, m.BranchId)
	b = appendTaskId(b, m.TaskId)
	b = msgp.AppendUint32(b, m.RequestCount)
	return msgp.AppendUint32(b, m.ResponseCount)
}

// wireReader keeps the first error and turns every
// later read into a no-op, so decoders read straight through.
// greenpack hangs its []byte readers off a NilBitsStack.
type wireReader struct {
	b   []byte
	err error
	nbs msgp.NilBitsStack
}

func (r *wireReader) arrayHeader() (sz uint32) {
	if r.err != nil {
		return
	}
	sz, r.b, r.err = r.nbs.ReadArrayHeaderBytes(r.b)
	return
}

func (r *wireReader) u8() (v uint8) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadUint8Bytes(r.b)
	return
}

func (r *wireReader) u32() (v uint32) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadUint32Bytes(r.b)
	return
}

func (r *wireReader) u64() (v uint64) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadUint64Bytes(r.b)
	return
}

func (r *wireReader) boolean() (v bool) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadBoolBytes(r.b)
	return
}

func (r *wireReader) bytes() (v []byte) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadBytesBytes(r.b, nil)
	return
}

func (r *wireReader) str() (v string) {
	if r.err != nil {
		return
	}
	v, r.b, r.err = r.nbs.ReadStringBytes(r.b)
	return
}

func (r *wireReader) rooId() RooId {
	return RooId{Socket: SocketId(r.u64()), Seq: SequenceId(r.u64())}
}

func (r *wireReader) taskId() TaskId {
	return TaskId{Socket: SocketId(r.u64()), Seq: SequenceId(r.u64())}
}

func (r *wireReader) requestId() RequestId {
	return RequestId{Socket: SocketId(r.u64()), Seq: SequenceId(r.u64())}
}

func (r *wireReader) branchId() BranchId {
	task := r.taskId()
	return BranchId{Task: task, Index: r.u32()}
}

func (r *wireReader) responseId() ResponseId {
	task := r.taskId()
	return ResponseId{Task: task, Index: r.u32()}
}

func (r *wireReader) manifest() (m Manifest) {
	m.BranchId = r.branchId()
	m.TaskId = r.taskId()
	m.RequestCount = r.u32()
	m.ResponseCount = r.u32()
	return
}
