// Package pax implements the PAX terminal wire protocol: a binary framed
// command/response codec and a per-call TCP session agent.
//
// Frame layout:
//
//	STX(0x02) | command | FS(0x1C) field1 FS field2 ... | ETX(0x03) | LRC
//
// LRC is the XOR of every byte between STX and ETX (command and fields,
// exclusive of STX/ETX/LRC itself).
package pax

import (
	"bytes"
	"strconv"
)

// Frame control bytes.
const (
	STX byte = 0x02 // start of text
	ETX byte = 0x03 // end of text
	FS  byte = 0x1C // field separator
)

// Command codes by transaction type.
const (
	CmdSale    = "T00"
	CmdRefund  = "T02"
	CmdVoid    = "T04"
	CmdAuth    = "T06"
	CmdCapture = "T08"

	CmdStatus         = "A00"
	CmdStatusResponse = "A01"
	CmdCancel         = "A14"
)

// Encode builds a wire frame for the given command and ordered fields.
// Fields must not contain STX/ETX/FS bytes.
func Encode(cmd string, fields ...string) []byte {
	var body bytes.Buffer
	body.WriteString(cmd)
	for _, f := range fields {
		body.WriteByte(FS)
		body.WriteString(f)
	}

	frame := make([]byte, 0, body.Len()+3)
	frame = append(frame, STX)
	frame = append(frame, body.Bytes()...)
	frame = append(frame, ETX)
	frame = append(frame, lrc(body.Bytes()))
	return frame
}

// Decode parses a wire frame. It returns ok=false for frames shorter than
// 4 bytes, frames missing STX/ETX, or frames whose LRC does not match;
// the caller decides how to react, no error is raised.
func Decode(frame []byte) (cmd string, fields []string, ok bool) {
	if len(frame) < 4 {
		return "", nil, false
	}
	if frame[0] != STX || frame[len(frame)-2] != ETX {
		return "", nil, false
	}

	body := frame[1 : len(frame)-2]
	if lrc(body) != frame[len(frame)-1] {
		return "", nil, false
	}

	parts := bytes.Split(body, []byte{FS})
	cmd = string(parts[0])
	for _, p := range parts[1:] {
		fields = append(fields, string(p))
	}
	return cmd, fields, true
}

// Complete reports whether buf holds at least one full frame (ETX followed
// by the trailing LRC byte). Used by transports to know when to stop reading.
func Complete(buf []byte) bool {
	return len(buf) >= 4 && buf[len(buf)-2] == ETX
}

// lrc computes the XOR checksum over the frame body. A single flipped bit
// in the body changes the checksum; paired flips in the same bit position
// cancel out, a known weak-checksum limitation of the device protocol.
func lrc(body []byte) byte {
	var c byte
	for _, b := range body {
		c ^= b
	}
	return c
}

// AmountField renders an amount in integer cents as the ASCII-decimal
// field the terminal expects.
func AmountField(cents int64) string {
	return strconv.FormatInt(cents, 10)
}
