package namadapoller

import (
	"testing"

	abci "github.com/cometbft/cometbft/abci/types"
)

func TestFindAckForSequence(t *testing.T) {
	events := []abci.Event{
		{Type: "other"},
		{Type: "write_acknowledgement", Attributes: []abci.EventAttribute{
			{Key: "packet_sequence", Value: "3"},
			{Key: "packet_ack", Value: `{"result":"AQ=="}`},
		}},
		{Type: "write_acknowledgement", Attributes: []abci.EventAttribute{
			{Key: "packet_sequence", Value: "9"},
			{Key: "packet_ack", Value: `{"result":"AQ=="}`},
		}},
	}

	ev := findAckForSequence(events, 9)
	if ev == nil {
		t.Fatal("expected a match for sequence 9")
	}
	if v, _ := attrValue(ev, "packet_sequence"); v != "9" {
		t.Fatalf("matched wrong event: %+v", ev)
	}
}

func TestFindAckForSequence_NoMatch(t *testing.T) {
	events := []abci.Event{
		{Type: "write_acknowledgement", Attributes: []abci.EventAttribute{{Key: "packet_sequence", Value: "3"}}},
	}
	if ev := findAckForSequence(events, 9); ev != nil {
		t.Fatalf("want no match, got %+v", ev)
	}
}

func TestFindSendPacketSequence_CaseInsensitiveHash(t *testing.T) {
	events := []abci.Event{
		{Type: "send_packet", Attributes: []abci.EventAttribute{
			{Key: "inner-tx-hash", Value: "ABCDEF"},
			{Key: "packet_sequence", Value: "11"},
		}},
	}
	seq, ok := findSendPacketSequence(events, "abcdef")
	if !ok || seq != 11 {
		t.Fatalf("want sequence 11, got seq=%d ok=%v", seq, ok)
	}
}

func TestFindSendPacketSequence_WrongHashNoMatch(t *testing.T) {
	events := []abci.Event{
		{Type: "send_packet", Attributes: []abci.EventAttribute{
			{Key: "inner-tx-hash", Value: "deadbeef"},
			{Key: "packet_sequence", Value: "11"},
		}},
	}
	if _, ok := findSendPacketSequence(events, "abcdef"); ok {
		t.Fatal("want no match for different tx hash")
	}
}

func attrValue(ev *abci.Event, key string) (string, bool) {
	for _, a := range ev.Attributes {
		if a.Key == key {
			return a.Value, true
		}
	}
	return "", false
}
