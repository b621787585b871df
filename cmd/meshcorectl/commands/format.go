package commands

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
)

const (
	formatJSON  = "json"
	formatTable = "table"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// identityView is the CLI's rendering of one §4.G identity.list/identity.get row.
type identityView struct {
	UID     string `json:"uid"`
	Alias   string `json:"alias"`
	PrivKey bool   `json:"privkey"`
	PubKey  string `json:"pubkey,omitempty"`
}

// connectionView is the CLI's rendering of one §4.G connections.list row.
type connectionView struct {
	CID      int    `json:"cid"`
	LUID     string `json:"luid"`
	RUID     string `json:"ruid"`
	RHID     string `json:"rhid"`
	Outgoing bool   `json:"outgoing"`
}

// discoveryView is the CLI's rendering of one §4.G wld.list row.
type discoveryView struct {
	Alias  string `json:"alias"`
	RUID   string `json:"ruid"`
	RHID   string `json:"rhid"`
	PubKey string `json:"pubkey"`
}

func formatIdentities(views []identityView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(views)
	case formatTable:
		return formatIdentitiesTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatIdentitiesTable(views []identityView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "UID\tALIAS\tPRIVKEY")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%t\n", v.UID, v.Alias, v.PrivKey)
	}
	_ = w.Flush()
	return buf.String()
}

func formatConnections(views []connectionView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(views)
	case formatTable:
		return formatConnectionsTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatConnectionsTable(views []connectionView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CID\tLUID\tRUID\tRHID\tOUTGOING")
	for _, v := range views {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%t\n", v.CID, v.LUID, v.RUID, v.RHID, v.Outgoing)
	}
	_ = w.Flush()
	return buf.String()
}

func formatDiscoveryEntries(views []discoveryView, format string) (string, error) {
	switch format {
	case formatJSON:
		return marshalJSON(views)
	case formatTable:
		return formatDiscoveryTable(views), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

func formatDiscoveryTable(views []discoveryView) string {
	var buf strings.Builder
	w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ALIAS\tRUID\tRHID\tPUBKEY")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", v.Alias, v.RUID, v.RHID, v.PubKey)
	}
	_ = w.Flush()
	return buf.String()
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	return string(data), nil
}

func hexEncode(b []byte) string { return hex.EncodeToString(b) }

// parseHexUID parses a 64-character hex string into a 32-byte uid.
func parseHexUID(s string) ([32]byte, error) {
	var out [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("parse hex uid %q: %w", s, err)
	}
	if len(raw) != 32 {
		return out, fmt.Errorf("uid %q: expected 32 bytes, got %d", s, len(raw))
	}
	copy(out[:], raw)
	return out, nil
}

// parseHexBytes parses an arbitrary-length hex string.
func parseHexBytes(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("parse hex %q: %w", s, err)
	}
	return raw, nil
}
