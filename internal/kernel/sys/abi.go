package sys

import "encoding/binary"

// Receive record layout, written into module memory by SysRecv.
//
// All fields little-endian:
//
//	offset  size  field
//	0       32    payload words (4 x u64)
//	32      4     sender task id (u32)
//	36      4     transferred capability handle (i32; an errno when the
//	              message carried no capability or the transfer failed)
const (
	MsgWords      = 4
	RecvRecordLen = MsgWords*8 + 4 + 4

	recvOffSender = MsgWords * 8
	recvOffCap    = recvOffSender + 4
)

// PutRecvRecord marshals a receive record. buf must be at least
// RecvRecordLen bytes; the caller bounds-checks module memory first.
func PutRecvRecord(buf []byte, words [MsgWords]uint64, sender uint32, capHandle int32) {
	for i, w := range words {
		binary.LittleEndian.PutUint64(buf[i*8:], w)
	}
	binary.LittleEndian.PutUint32(buf[recvOffSender:], sender)
	binary.LittleEndian.PutUint32(buf[recvOffCap:], uint32(capHandle))
}

// ParseRecvRecord is the inverse of PutRecvRecord; guest-side test
// harnesses use it to decode what the kernel delivered.
func ParseRecvRecord(buf []byte) (words [MsgWords]uint64, sender uint32, capHandle int32) {
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(buf[i*8:])
	}
	sender = binary.LittleEndian.Uint32(buf[recvOffSender:])
	capHandle = int32(binary.LittleEndian.Uint32(buf[recvOffCap:]))
	return
}

// SendCap transfer modes (a3 of SysSendCap).
const (
	TransferCopy int32 = 0
	TransferMove int32 = 1
)
