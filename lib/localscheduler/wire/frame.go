// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package wire implements the length-prefixed binary framing shared
// by the worker IPC and object-store IPC sockets: one byte of message
// type, eight bytes of big-endian payload length, then the payload.
package wire

import (
	"bufio"
	"encoding/binary"
	"io"
)

// WriteFrame writes a single framed message to w and flushes it.
func WriteFrame(w *bufio.Writer, msgType uint8, payload []byte) error {
	if err := w.WriteByte(msgType); err != nil {
		return err
	}
	var lenBuf [8]byte
	binary.BigEndian.PutUint64(lenBuf[:], uint64(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return err
		}
	}
	return w.Flush()
}

// ReadFrame reads a single framed message from r, blocking until a
// full frame is available or the connection errors/closes.
func ReadFrame(r *bufio.Reader) (msgType uint8, payload []byte, err error) {
	msgType, err = r.ReadByte()
	if err != nil {
		return 0, nil, err
	}
	var lenBuf [8]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint64(lenBuf[:])
	payload = make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, err
		}
	}
	return msgType, payload, nil
}
