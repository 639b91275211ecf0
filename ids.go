package roo

import (
	"cmp"
	"fmt"
)

// SocketId names one Socket (one transport endpoint).
type SocketId uint64

// SequenceId is a socket-scoped sequence number.
type SequenceId uint64

// RooId is the globally unique name of one RooPC call.
type RooId struct {
	Socket SocketId
	Seq    SequenceId
}

// TaskId names one unit of server-side work; one node in the call tree.
type TaskId struct {
	Socket SocketId
	Seq    SequenceId
}

// RequestId names one outbound request. The task that
// serves a request is named by the request's id; see Task().
type RequestId struct {
	Socket SocketId
	Seq    SequenceId
}

// BranchId names one child branch spawned from a task.
type BranchId struct {
	Task  TaskId
	Index uint32
}

// ResponseId names one response produced by a task.
type ResponseId struct {
	Task  TaskId
	Index uint32
}

// Task returns the id of the root task of the call.
// The call's own requests are the branches of this task.
func (id RooId) Task() TaskId {
	return TaskId{Socket: id.Socket, Seq: id.Seq}
}

// Task returns the id of the task spawned to serve this request.
func (id RequestId) Task() TaskId {
	return TaskId{Socket: id.Socket, Seq: id.Seq}
}

// Request is the inverse of RequestId.Task.
func (id TaskId) Request() RequestId {
	return RequestId{Socket: id.Socket, Seq: id.Seq}
}

func (id RooId) String() string {
	return fmt.Sprintf("(%v, %v)", id.Socket, id.Seq)
}

func (id TaskId) String() string {
	return fmt.Sprintf("(%v, %v)", id.Socket, id.Seq)
}

func (id RequestId) String() string {
	return fmt.Sprintf("(%v, %v)", id.Socket, id.Seq)
}

func (id BranchId) String() string {
	return fmt.Sprintf("(%v, %v, %v)", id.Task.Socket, id.Task.Seq, id.Index)
}

func (id ResponseId) String() string {
	return fmt.Sprintf("(%v, %v, %v)", id.Task.Socket, id.Task.Seq, id.Index)
}

// total orders, so the omap tables iterate deterministically.

func compareRooId(a, b RooId) int {
	if c := cmp.Compare(a.Socket, b.Socket); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func compareTaskId(a, b TaskId) int {
	if c := cmp.Compare(a.Socket, b.Socket); c != 0 {
		return c
	}
	return cmp.Compare(a.Seq, b.Seq)
}

func compareBranchId(a, b BranchId) int {
	if c := compareTaskId(a.Task, b.Task); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}

func compareResponseId(a, b ResponseId) int {
	if c := compareTaskId(a.Task, b.Task); c != 0 {
		return c
	}
	return cmp.Compare(a.Index, b.Index)
}
