package contracts

import (
	"encoding/json"
	"testing"
)

func TestSequence_MarshalJSON(t *testing.T) {
	tests := []struct {
		seq  Sequence
		want string
	}{
		{0, `"0"`},
		{42, `"42"`},
		{9007199254740993, `"9007199254740993"`}, // above 2^53, the reason strings exist
	}

	for _, tt := range tests {
		data, err := json.Marshal(tt.seq)
		if err != nil {
			t.Fatalf("marshal %d: %v", tt.seq, err)
		}
		if string(data) != tt.want {
			t.Errorf("marshal %d = %s, want %s", tt.seq, data, tt.want)
		}
	}
}

func TestSequence_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		in      string
		want    Sequence
		wantErr bool
	}{
		{`"42"`, 42, false},
		{`42`, 42, false},
		{`null`, 0, false},
		{`"9007199254740993"`, 9007199254740993, false},
		{`"abc"`, 0, true},
	}

	for _, tt := range tests {
		var got Sequence
		err := json.Unmarshal([]byte(tt.in), &got)
		if tt.wantErr {
			if err == nil {
				t.Errorf("unmarshal %s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unmarshal %s: %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("unmarshal %s = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestSequence_InsideEvent(t *testing.T) {
	evt := Event{EventID: "evt_1", Sequence: 7, EventType: "mdm.vendor.created"}
	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal raw: %v", err)
	}
	if raw["sequence"] != "7" {
		t.Errorf("sequence serialized as %v (%T), want string \"7\"", raw["sequence"], raw["sequence"])
	}

	var back Event
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	if back.Sequence != 7 {
		t.Errorf("round-trip sequence = %d, want 7", back.Sequence)
	}
}

func TestActor_HasCapability(t *testing.T) {
	a := Actor{Capabilities: []string{"mdm.vendor.create"}}
	if !a.HasCapability("mdm.vendor.create") {
		t.Error("expected explicit capability to match")
	}
	if a.HasCapability("mdm.item.create") {
		t.Error("unexpected capability match")
	}

	wildcard := Actor{Capabilities: []string{"*"}}
	if !wildcard.HasCapability("mdm.item.create") {
		t.Error("wildcard should grant everything")
	}
}
