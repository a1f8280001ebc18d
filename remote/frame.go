package remote

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
)

// encodeFrame lays out a request/response frame as:
// opcode(int32) status(int32) payloadLen(uint32) payload
// and, only when status == StatusError, the error frame fields in the
// order SQLState, Message, SQL (length-prefixed strings), ErrorCode
// (int32), Stack (length-prefixed string).
func encodeFrame(f Frame) []byte {
	buf := make([]byte, 0, 12+len(f.Payload))
	var hdr [12]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(f.Opcode))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(f.Status))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(f.Payload)))
	buf = append(buf, hdr[:]...)
	buf = append(buf, f.Payload...)

	if f.Status == StatusError && f.ErrFrame != nil {
		buf = appendString(buf, f.ErrFrame.SQLState)
		buf = appendString(buf, f.ErrFrame.Message)
		buf = appendString(buf, f.ErrFrame.SQL)
		var code [4]byte
		binary.BigEndian.PutUint32(code[:], uint32(f.ErrFrame.ErrorCode))
		buf = append(buf, code[:]...)
		buf = appendString(buf, f.ErrFrame.Stack)
	}
	return buf
}

func appendString(buf []byte, s string) []byte {
	var l [4]byte
	binary.BigEndian.PutUint32(l[:], uint32(len(s)))
	buf = append(buf, l[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, errors.New("truncated frame: missing string length")
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return "", nil, errors.New("truncated frame: short string payload")
	}
	return string(buf[:n]), buf[n:], nil
}

func decodeFrame(buf []byte) (Frame, error) {
	if len(buf) < 12 {
		return Frame{}, errors.New("truncated frame: missing header")
	}
	f := Frame{
		Opcode: Opcode(binary.BigEndian.Uint32(buf[0:4])),
		Status: Status(binary.BigEndian.Uint32(buf[4:8])),
	}
	n := binary.BigEndian.Uint32(buf[8:12])
	buf = buf[12:]
	if uint32(len(buf)) < n {
		return Frame{}, errors.New("truncated frame: short payload")
	}
	f.Payload, buf = buf[:n], buf[n:]

	if f.Status != StatusError {
		return f, nil
	}

	ef := &ErrorFrame{}
	var err error
	if ef.SQLState, buf, err = readString(buf); err != nil {
		return Frame{}, err
	}
	if ef.Message, buf, err = readString(buf); err != nil {
		return Frame{}, err
	}
	if ef.SQL, buf, err = readString(buf); err != nil {
		return Frame{}, err
	}
	if len(buf) < 4 {
		return Frame{}, errors.New("truncated frame: missing error code")
	}
	ef.ErrorCode = int32(binary.BigEndian.Uint32(buf[:4]))
	buf = buf[4:]
	if ef.Stack, _, err = readString(buf); err != nil {
		return Frame{}, err
	}
	f.ErrFrame = ef
	return f, nil
}
