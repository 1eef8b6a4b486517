package noblepoller

import (
	"testing"

	abci "github.com/cometbft/cometbft/abci/types"
)

func sendPacketEvent(packetData, sequence string) abci.Event {
	return abci.Event{
		Type: "send_packet",
		Attributes: []abci.EventAttribute{
			{Key: "packet_data", Value: packetData},
			{Key: "packet_sequence", Value: sequence},
		},
	}
}

func TestMatchSendPacketByData(t *testing.T) {
	events := []abci.Event{
		sendPacketEvent(`{"amount":"1000000","denom":"uusdc","receiver":"namada1abc","sender":"noble1forward"}`, "7"),
	}

	seq, ev, ok := matchSendPacketByData(events, "namada1abc", "noble1forward")
	if !ok {
		t.Fatal("expected a match")
	}
	if seq != 7 {
		t.Fatalf("want sequence 7, got %d", seq)
	}
	if ev.Type != "send_packet" {
		t.Fatalf("unexpected event returned: %+v", ev)
	}
}

func TestMatchSendPacketByData_CaseInsensitiveReceiver(t *testing.T) {
	events := []abci.Event{
		sendPacketEvent(`{"amount":"1000000","denom":"uusdc","receiver":"NAMADA1ABC","sender":"noble1forward"}`, "9"),
	}
	seq, _, ok := matchSendPacketByData(events, "namada1abc", "noble1forward")
	if !ok || seq != 9 {
		t.Fatalf("want match with sequence 9, got seq=%d ok=%v", seq, ok)
	}
}

func TestMatchSendPacketByData_WrongDenomNoMatch(t *testing.T) {
	events := []abci.Event{
		sendPacketEvent(`{"amount":"1000000","denom":"unot","receiver":"namada1abc","sender":"noble1forward"}`, "9"),
	}
	if _, _, ok := matchSendPacketByData(events, "namada1abc", "noble1forward"); ok {
		t.Fatal("want no match for wrong denom")
	}
}

func TestFirstSendPacketSequence(t *testing.T) {
	events := []abci.Event{
		{Type: "other_event"},
		sendPacketEvent(`{}`, "42"),
	}
	seq, ok := firstSendPacketSequence(events)
	if !ok || seq != 42 {
		t.Fatalf("want sequence 42, got seq=%d ok=%v", seq, ok)
	}
}

func TestMetaHelpers(t *testing.T) {
	m := map[string]any{
		"cctpNonce":       "704111",
		"packetSequence":  float64(5),
		"minBalanceUusdc": "1000000",
		"missing":         nil,
	}
	if v, ok := metaString(m, "cctpNonce"); !ok || v != "704111" {
		t.Fatalf("want 704111,true got %s,%v", v, ok)
	}
	if v, ok := metaInt64(m, "packetSequence"); !ok || v != 5 {
		t.Fatalf("want 5,true got %d,%v", v, ok)
	}
	if n, ok := metaBigInt(m, "minBalanceUusdc"); !ok || n.Int64() != 1_000_000 {
		t.Fatalf("want 1000000,true got %v,%v", n, ok)
	}
	if _, ok := metaString(m, "missing"); ok {
		t.Fatal("want ok=false for nil value")
	}
}
