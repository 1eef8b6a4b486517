package tendermintrpc

import (
	"fmt"
	"net/url"
	"strings"
)

// EncodeQuery implements the wire encoding convention spec.md §6/§9 calls
// out explicitly: the logical Tendermint query is wrapped in literal outer
// double quotes, any double quotes already embedded in the query (e.g.
// nonce='"704111"') are JSON-escaped to \" first, then the whole thing is
// URL-encoded — and finally the quotes and backslashes the URL encoder
// escaped are restored to their literal form in the final query string, so
// the indexer receives them unescaped the way it expects. Pagination
// parameters are never added — their presence has empirically broken the
// indexer in at least one environment.
func EncodeQuery(logicalQuery string) string {
	escaped := strings.ReplaceAll(logicalQuery, `"`, `\"`)
	wrapped := `"` + escaped + `"`
	encoded := url.QueryEscape(wrapped)
	encoded = strings.ReplaceAll(encoded, "%5C", `\`)
	encoded = strings.ReplaceAll(encoded, "%22", `"`)
	return encoded
}

// NonceQuery builds the deposit-path Noble query for a CCTP MessageReceived
// event keyed by nonce. The value must be wrapped in literal double quotes
// inside the outer single-quoted attribute match — the quoting is
// significant per spec.md §4.3.
func NonceQuery(nonce string) string {
	return fmt.Sprintf(`circle.cctp.v1.MessageReceived.nonce='"%s"'`, nonce)
}

// PacketSequenceQuery builds the payment-path Noble query matching an IBC
// write_acknowledgement by packet sequence.
func PacketSequenceQuery(sequence int64) string {
	return fmt.Sprintf(`write_acknowledgement.packet_sequence='%d'`, sequence)
}

// AccountRegisteredQuery builds the Noble fallback query used to locate the
// block in which a forwarding account was registered, when the IBC
// send_packet could not be found in the CCTP-mint block directly.
func AccountRegisteredQuery(recipient string) string {
	return fmt.Sprintf(`noble.forwarding.v1.AccountRegistered.recipient='"%s"'`, recipient)
}
