package envelope

import "testing"

func TestDecodeHeaderRoundTrip(t *testing.T) {
	raw := []byte(`{"msg_id":"t1","msg_type":"submission","retries":2,"timeout":5.5,"after":{"ids":["t0"],"all":true,"success":true}}`)
	h, err := DecodeHeader(raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h.MsgID != "t1" || h.Retries != 2 {
		t.Fatalf("unexpected header: %+v", h)
	}
	spec := h.After.ToSpec()
	if !spec.All || !spec.Success || !spec.Contains("t0") {
		t.Fatalf("unexpected after spec: %+v", spec)
	}
}

func TestDecodeHeaderRejectsMissingMsgID(t *testing.T) {
	raw := []byte(`{"msg_type":"submission"}`)
	if _, err := DecodeHeader(raw); err == nil {
		t.Fatal("expected error for missing msg_id")
	}
}

func TestDecodeHeaderRejectsSchemaViolation(t *testing.T) {
	// retries=-1 unmarshals into an int but violates the schema's minimum 0.
	raw := []byte(`{"msg_id":"t1","retries":-1}`)
	if _, err := DecodeHeader(raw); err == nil {
		t.Fatal("expected schema validation error")
	}
}

func TestDependenciesMetDefaultsTrue(t *testing.T) {
	h := Header{MsgID: "x"}
	if !h.DependenciesMetOrDefault() {
		t.Fatal("expected default true")
	}
	f := false
	h.DependenciesMet = &f
	if h.DependenciesMetOrDefault() {
		t.Fatal("expected explicit false to stick")
	}
}

func TestReplyEnvelopeSwapsFirstTwoFrames(t *testing.T) {
	orig := Envelope{Identities: [][]byte{[]byte("engine"), []byte("client")}}
	reply, err := ReplyEnvelope(orig, Header{MsgID: "t1", Status: "ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(reply.Identities[0]) != "client" || string(reply.Identities[1]) != "engine" {
		t.Fatalf("expected swapped identities, got %v", reply.Identities)
	}
}

func TestNilDepSpecWireIsMET(t *testing.T) {
	var w *DepSpecWire
	spec := w.ToSpec()
	if spec.Nonempty() {
		t.Fatalf("expected MET for nil wire spec, got %+v", spec)
	}
}
