package dockerengine

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"
)

func frame(t streamType, payload string) []byte {
	hdr := make([]byte, headerLen)
	hdr[0] = byte(t)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	return append(hdr, []byte(payload)...)
}

func TestDemuxLogsPreservesArrivalOrder(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(frame(streamStdout, "out1\n"))
	buf.Write(frame(streamStderr, "err1\n"))
	buf.Write(frame(streamStdin, "ignored"))
	buf.Write(frame(streamStdout, "out2\n"))

	var order []string
	err := DemuxLogs(&buf,
		func(b []byte) { order = append(order, "out:"+string(b)) },
		func(b []byte) { order = append(order, "err:"+string(b)) },
	)
	if err != nil {
		t.Fatalf("DemuxLogs: %v", err)
	}
	want := []string{"out:out1\n", "err:err1\n", "out:out2\n"}
	if len(order) != len(want) {
		t.Fatalf("got %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("index %d: got %q, want %q", i, order[i], want[i])
		}
	}
}

func TestDecodeBuildEventsMarksErrorLine(t *testing.T) {
	r := strings.NewReader(`{"stream":"Step 1/2\n"}{"error":"failed to build"}`)
	var events []BuildEvent
	if err := DecodeBuildEvents(r, func(e BuildEvent) { events = append(events, e) }); err != nil {
		t.Fatalf("DecodeBuildEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Stream != "Step 1/2\n" {
		t.Errorf("unexpected stream event: %+v", events[0])
	}
	if events[1].Error != "failed to build" {
		t.Errorf("unexpected error event: %+v", events[1])
	}
}
