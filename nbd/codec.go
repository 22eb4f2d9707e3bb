package nbd

import (
	"encoding/binary"
	"fmt"
)

// EncodeRequest fills buf with a request header of the given type. Flags
// and handle are always zero: the client never has more than one request
// outstanding.
func EncodeRequest(buf *[RequestSize]byte, typ uint16, offset uint64, length uint32) {
	binary.BigEndian.PutUint32(buf[0:4], RequestMagic)
	binary.BigEndian.PutUint16(buf[4:6], 0)
	binary.BigEndian.PutUint16(buf[6:8], typ)
	binary.BigEndian.PutUint64(buf[8:16], 0)
	binary.BigEndian.PutUint64(buf[16:24], offset)
	binary.BigEndian.PutUint32(buf[24:28], length)
}

// DecodeRequest parses a request header; it does not validate the magic
func DecodeRequest(b []byte) (Request, error) {
	if len(b) < RequestSize {
		return Request{}, newError(KindProtocol, "decode request", fmt.Errorf("short header (%d bytes)", len(b)))
	}
	return Request{
		Magic:        binary.BigEndian.Uint32(b[0:4]),
		CommandFlags: binary.BigEndian.Uint16(b[4:6]),
		CommandType:  binary.BigEndian.Uint16(b[6:8]),
		Handle:       binary.BigEndian.Uint64(b[8:16]),
		Offset:       binary.BigEndian.Uint64(b[16:24]),
		Length:       binary.BigEndian.Uint32(b[24:28]),
	}, nil
}

// EncodeReply fills buf with a simple reply header
func EncodeReply(buf *[ReplySize]byte, errno uint32, handle uint64) {
	binary.BigEndian.PutUint32(buf[0:4], ReplyMagic)
	binary.BigEndian.PutUint32(buf[4:8], errno)
	binary.BigEndian.PutUint64(buf[8:16], handle)
}

// DecodeReply parses a simple reply header, rejecting anything that does
// not start with the reply magic
func DecodeReply(b []byte) (Reply, error) {
	if len(b) < ReplySize {
		return Reply{}, newError(KindProtocol, "decode reply", fmt.Errorf("short header (%d bytes)", len(b)))
	}
	magic := binary.BigEndian.Uint32(b[0:4])
	if magic != ReplyMagic {
		return Reply{}, newError(KindProtocol, "decode reply", fmt.Errorf("bad magic 0x%08x", magic))
	}
	return Reply{
		Magic:  magic,
		Error:  binary.BigEndian.Uint32(b[4:8]),
		Handle: binary.BigEndian.Uint64(b[8:16]),
	}, nil
}
