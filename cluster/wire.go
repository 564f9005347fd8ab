package cluster

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

type msgType byte

const (
	msgHello   msgType = 1
	msgPublish msgType = 2
)

// wireMessage is the only thing that crosses a peer link. Every local
// publish is flooded to every peer; which local subscribers actually see
// it is decided on the receiving node when Drain hands it to the broker's
// own routing table, not by filtering what crosses the wire.
type wireMessage struct {
	Type       msgType
	NodeID     string
	Topic      string
	Payload    []byte
	QoS        byte
	Retain     bool
	Properties map[string]interface{}
}

const maxFrameSize = 256 * 1024 * 1024

func writeFrame(w io.Writer, m *wireMessage) error {
	b, err := cbor.Marshal(m)
	if err != nil {
		return err
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func readFrame(r io.Reader) (*wireMessage, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}

	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("cluster: frame of %d bytes exceeds limit", n)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	var m wireMessage
	if err := cbor.Unmarshal(buf, &m); err != nil {
		return nil, err
	}
	return &m, nil
}
