package roo

import (
	"fmt"

	gjson "github.com/goccy/go-json"
)

// Opcode is the first field of every header on the wire.
type Opcode uint8

const (
	OpInvalid    Opcode = 0
	OpMessage    Opcode = 1 // Request or Response; see MsgType.
	OpManifest   Opcode = 2
	OpPing       Opcode = 3
	OpPong       Opcode = 4
	OpError      Opcode = 5
	OpDelegation Opcode = 6
)

func (op Opcode) String() string {
	switch op {
	case OpInvalid:
		return "OpInvalid"
	case OpMessage:
		return "OpMessage"
	case OpManifest:
		return "OpManifest"
	case OpPing:
		return "OpPing"
	case OpPong:
		return "OpPong"
	case OpError:
		return "OpError"
	case OpDelegation:
		return "OpDelegation"
	}
	return fmt.Sprintf("Opcode(%d)", uint8(op))
}

// MsgType is the second field of every header. Only
// OpMessage uses it; all other opcodes write MsgNone.
type MsgType uint8

const (
	MsgNone     MsgType = 0
	MsgRequest  MsgType = 1
	MsgResponse MsgType = 2
)

func (t MsgType) String() string {
	switch t {
	case MsgNone:
		return "MsgNone"
	case MsgRequest:
		return "MsgRequest"
	case MsgResponse:
		return "MsgResponse"
	}
	return fmt.Sprintf("MsgType(%d)", uint8(t))
}

// Manifest declares that branch BranchId, having spawned
// task TaskId, issued exactly RequestCount further requests
// and that TaskId sends exactly ResponseCount responses.
type Manifest struct {
	BranchId      BranchId `json:"branch"`
	TaskId        TaskId   `json:"task"`
	RequestCount  uint32   `json:"requests"`
	ResponseCount uint32   `json:"responses"`
}

func (m Manifest) String() string {
	return fmt.Sprintf("Manifest{branch:%v task:%v requests:%v responses:%v}",
		m.BranchId, m.TaskId, m.RequestCount, m.ResponseCount)
}

// Header is the closed set of protocol headers.
// DecodeHeader is the only way to get one off the wire.
type Header interface {
	Opcode() Opcode
	MsgType() MsgType

	isHeader()
}

// RequestHeader starts a task on the receiving socket.
type RequestHeader struct {
	RooId      RooId     `json:"roo"`
	BranchId   BranchId  `json:"branch"`
	RequestId  RequestId `json:"request"`
	ReplyTo    []byte    `json:"reply_to"` // wire address of the calling socket
	Compressed bool      `json:"compressed"`
}

// ResponseHeader carries one response back to the call. It
// may carry the manifest of the responding task's parent inline.
type ResponseHeader struct {
	RooId           RooId      `json:"roo"`
	BranchId        BranchId   `json:"branch"`
	ResponseId      ResponseId `json:"response"`
	Source          []byte     `json:"source"`
	Compressed      bool       `json:"compressed"`
	ManifestImplied bool       `json:"manifest_implied"`
	HasManifest     bool       `json:"has_manifest"`
	Manifest        Manifest   `json:"manifest"`
}

// ManifestHeader carries one or more manifests.
type ManifestHeader struct {
	RooId     RooId      `json:"roo"`
	Source    []byte     `json:"source"`
	Manifests []Manifest `json:"manifests"`
}

// PingHeader asks the socket serving Target whether it is still alive.
type PingHeader struct {
	RooId    RooId     `json:"roo"`
	BranchId BranchId  `json:"branch"`
	Target   RequestId `json:"target"`
	ReplyTo  []byte    `json:"reply_to"`
}

// PongHeader answers a PingHeader for BranchId.
type PongHeader struct {
	RooId    RooId    `json:"roo"`
	BranchId BranchId `json:"branch"`
}

// ErrorHeader fails the call.
type ErrorHeader struct {
	RooId    RooId    `json:"roo"`
	BranchId BranchId `json:"branch"`
	Reason   string   `json:"reason"`
}

// DelegationHeader tells the call that the work of BranchId
// now lives in request RequestId served at Address.
type DelegationHeader struct {
	RooId     RooId     `json:"roo"`
	BranchId  BranchId  `json:"branch"`
	RequestId RequestId `json:"request"`
	Address   []byte    `json:"address"`
}

func (*RequestHeader) Opcode() Opcode    { return OpMessage }
func (*ResponseHeader) Opcode() Opcode   { return OpMessage }
func (*ManifestHeader) Opcode() Opcode   { return OpManifest }
func (*PingHeader) Opcode() Opcode       { return OpPing }
func (*PongHeader) Opcode() Opcode       { return OpPong }
func (*ErrorHeader) Opcode() Opcode      { return OpError }
func (*DelegationHeader) Opcode() Opcode { return OpDelegation }

func (*RequestHeader) MsgType() MsgType    { return MsgRequest }
func (*ResponseHeader) MsgType() MsgType   { return MsgResponse }
func (*ManifestHeader) MsgType() MsgType   { return MsgNone }
func (*PingHeader) MsgType() MsgType       { return MsgNone }
func (*PongHeader) MsgType() MsgType       { return MsgNone }
func (*ErrorHeader) MsgType() MsgType      { return MsgNone }
func (*DelegationHeader) MsgType() MsgType { return MsgNone }

func (*RequestHeader) isHeader()    {}
func (*ResponseHeader) isHeader()   {}
func (*ManifestHeader) isHeader()   {}
func (*PingHeader) isHeader()       {}
func (*PongHeader) isHeader()       {}
func (*ErrorHeader) isHeader()      {}
func (*DelegationHeader) isHeader() {}

// HeaderJSON renders h for log lines.
func HeaderJSON(h Header) string {
	by, err := gjson.Marshal(h)
	if err != nil {
		return fmt.Sprintf("%v/%v(unprintable: %v)", h.Opcode(), h.MsgType(), err)
	}
	return fmt.Sprintf("%v/%v%s", h.Opcode(), h.MsgType(), by)
}
