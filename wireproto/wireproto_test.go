package wireproto

import (
	"bytes"
	"context"
	"testing"
	"time"
)

func TestWriteReadEnvelopeRoundTrip(t *testing.T) {
	payload := OpenReqPayload{Capacity: 50000, PkInitiator: []byte{0x02, 0x01}, LockTime: 123456}
	e, err := NewEnvelope(KindOpenReq, "chan-1", 0, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteEnvelope(&buf, e); err != nil {
		t.Fatalf("WriteEnvelope: %v", err)
	}

	got, err := ReadEnvelope(&buf)
	if err != nil {
		t.Fatalf("ReadEnvelope: %v", err)
	}
	if got.Kind != KindOpenReq || got.ChannelID != "chan-1" {
		t.Fatalf("unexpected envelope: %+v", got)
	}

	var decoded OpenReqPayload
	if err := got.Decode(&decoded); err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Capacity != payload.Capacity || decoded.LockTime != payload.LockTime {
		t.Fatalf("payload mismatch: %+v vs %+v", decoded, payload)
	}
}

func TestReadEnvelopeRejectsOversizedLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	if _, err := ReadEnvelope(&buf); err == nil {
		t.Fatalf("expected error for oversized declared length")
	}
}

func TestCorrelatorResolveDeliversToWaiter(t *testing.T) {
	c := NewCorrelator()
	done := make(chan error, 1)

	go func() {
		_, err := c.Await(context.Background(), "chan-1", 0, false, KindOpenReq)
		done <- err
	}()

	// give the waiter time to register before resolving
	time.Sleep(20 * time.Millisecond)
	resp, _ := NewEnvelope(KindOpenAccept, "chan-1", 0, OpenAcceptPayload{})
	c.Resolve(resp)

	if err := <-done; err != nil {
		t.Fatalf("Await returned error: %v", err)
	}
}

func TestCorrelatorAwaitTimesOut(t *testing.T) {
	c := NewCorrelator()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := c.Await(ctx, "chan-2", 5, true, KindUpdateReq)
	if err != ErrTimeout {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestCorrelatorResolveUnmatchedIsDiscarded(t *testing.T) {
	c := NewCorrelator()
	e, _ := NewEnvelope(KindUpdateAck, "chan-3", 1, UpdateAckPayload{})
	// no waiter registered; must not panic or block
	c.Resolve(e)
}

func TestTimeoutForKind(t *testing.T) {
	if TimeoutForKind(KindOpenReq) != 30*time.Second {
		t.Fatalf("expected 30s timeout for OpenReq")
	}
	if TimeoutForKind(KindUpdateReq) != 5*time.Second {
		t.Fatalf("expected 5s timeout for UpdateReq")
	}
}
