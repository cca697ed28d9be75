package dockerengine

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"

	"github.com/docker/docker/pkg/jsonmessage"
)

// streamType mirrors the Docker multiplexed-stream frame header: a single
// byte identifying stdin/stdout/stderr followed by 3 reserved bytes and a
// big-endian uint32 payload length.
type streamType byte

const (
	streamStdin streamType = iota
	streamStdout
	streamStderr
)

const headerLen = 8

// DemuxLogs reads a Docker multiplexed log stream, invoking onStdout/onStderr
// with each chunk in arrival order. Stdin frames are discarded. Individual
// read errors abort the loop; io.EOF ends it cleanly.
func DemuxLogs(r io.Reader, onStdout, onStderr func([]byte)) error {
	header := make([]byte, headerLen)
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		size := binary.BigEndian.Uint32(header[4:8])
		payload := make([]byte, size)
		if size > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return err
			}
		}
		switch streamType(header[0]) {
		case streamStdout:
			if onStdout != nil {
				onStdout(payload)
			}
		case streamStderr:
			if onStderr != nil {
				onStderr(payload)
			}
		default:
			// stdin/console frames are discarded.
		}
	}
}

// DecodeBuildEvents decodes a Docker build response body, shaped as a
// stream of jsonmessage.JSONMessage objects, into BuildEvents, invoking
// onEvent for each stream/error line in order.
func DecodeBuildEvents(r io.Reader, onEvent func(BuildEvent)) error {
	dec := json.NewDecoder(r)
	for dec.More() {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		errMsg := msg.ErrorMessage
		if errMsg == "" && msg.Error != nil {
			errMsg = msg.Error.Message
		}
		if msg.Stream == "" && errMsg == "" {
			continue
		}
		onEvent(BuildEvent{Stream: msg.Stream, Error: errMsg})
	}
	return nil
}
