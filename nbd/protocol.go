// Package nbd implements a minimal NBD client together with the small
// fixed-newstyle server it is tested against.
package nbd

/* --- START OF NBD PROTOCOL SECTION --- */

// this section follows NBD's proto.md; only the parts that the client
// and the companion server speak are transcribed here

// NBD commands
const (
	CmdRead  = 0
	CmdWrite = 1
	CmdDisc  = 2
	CmdFlush = 3
	CmdTrim  = 4
)

// NBD transmission flags
const (
	FlagHasFlags   = uint16(1 << 0)
	FlagReadOnly   = uint16(1 << 1)
	FlagSendFlush  = uint16(1 << 2)
	FlagSendFua    = uint16(1 << 3)
	FlagRotational = uint16(1 << 4)
	FlagSendTrim   = uint16(1 << 5)
)

// NBD magic numbers
const (
	NbdMagic     = 0x4e42444d41474943 // "NBDMAGIC"
	RequestMagic = 0x25609513
	ReplyMagic   = 0x67446698
	OptsMagic    = 0x49484156454F5054 // "IHAVEOPT"
	RepMagic     = 0x3e889045565a9
)

// NBD default port
const (
	DefaultPort = 10809
)

// NBD options
const (
	OptExportName = 1
	OptAbort      = 2
	OptList       = 3
)

// NBD option reply types
const (
	RepAck       = uint32(1)
	RepServer    = uint32(2)
	RepFlagError = uint32(1 << 31)
	RepErrUnsup  = 1 | RepFlagError
)

// NBD handshake flags
const (
	FlagFixedNewstyle = 1 << 0
	FlagNoZeroes      = 1 << 1
)

// NBD client flags
const (
	FlagCFixedNewstyle = 1 << 0
	FlagCNoZeroes      = 1 << 1
)

// NBD errors
const (
	EPERM     = 1
	EIO       = 5
	ENOMEM    = 12
	EINVAL    = 22
	ENOSPC    = 28
	EOVERFLOW = 75
)

// NewStyleHeader is a NBD new style header
type NewStyleHeader struct {
	Magic       uint64
	OptsMagic   uint64
	GlobalFlags uint16
}

// ClientFlags is a NBD client flags
type ClientFlags struct {
	Flags uint32
}

// ClientOpt is a NBD client options
type ClientOpt struct {
	Magic uint64
	ID    uint32
	Len   uint32
}

// ExportDetails is a NBD export details
type ExportDetails struct {
	Size  uint64
	Flags uint16
}

// OptReply is a NBD option reply
type OptReply struct {
	Magic  uint64
	ID     uint32
	Type   uint32
	Length uint32
}

// Request is a NBD request
type Request struct {
	Magic        uint32
	CommandFlags uint16
	CommandType  uint16
	Handle       uint64
	Offset       uint64
	Length       uint32
}

// Reply is a NBD simple reply
type Reply struct {
	Magic  uint32
	Error  uint32
	Handle uint64
}

/* --- END OF NBD PROTOCOL SECTION --- */

// Sizes of the fixed wire structures
const (
	GreetingSize      = 18 // NewStyleHeader
	ExportDetailsSize = 10
	RequestSize       = 28
	ReplySize         = 16
)

// Greeting is the only server greeting the client accepts: fixed newstyle
// with the no-zeroes extension.
var Greeting = [GreetingSize]byte{
	'N', 'B', 'D', 'M', 'A', 'G', 'I', 'C',
	'I', 'H', 'A', 'V', 'E', 'O', 'P', 'T',
	0x00, FlagFixedNewstyle | FlagNoZeroes,
}

// ClientHandshakeFlags is sent in reply to the greeting.
const ClientHandshakeFlags = uint32(FlagCFixedNewstyle | FlagCNoZeroes)

// Our internal flags to characterize commands
const (
	CmdTCheckLengthOffset     = 1 << iota // length and offset must be valid
	CmdTReqPayload                        // request carries a payload
	CmdTRepPayload                        // reply carries a payload
	CmdTCheckNotReadOnly                  // not valid on read-only media
	CmdTSetDisconnectReceived             // a disconnect - don't process any further commands
)

// CmdTypeMap is a map specifying each command
var CmdTypeMap = map[int]uint64{
	CmdRead:  CmdTCheckLengthOffset | CmdTRepPayload,
	CmdWrite: CmdTCheckLengthOffset | CmdTCheckNotReadOnly | CmdTReqPayload,
	CmdDisc:  CmdTSetDisconnectReceived,
	CmdFlush: CmdTCheckNotReadOnly,
	CmdTrim:  CmdTCheckLengthOffset | CmdTCheckNotReadOnly,
}
