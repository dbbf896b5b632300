package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// ProxyID identifies a proxy record inside a single pool snapshot.
// The directory may send it as a JSON number or a JSON string.
type ProxyID string

func (id *ProxyID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("invalid proxy id: %w", err)
		}
		*id = ProxyID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid proxy id %s: %w", string(data), err)
	}
	*id = ProxyID(n.String())
	return nil
}

func (id ProxyID) String() string {
	return string(id)
}

// ProxyRecord is a single proxy handed out by the directory service.
// URL may embed user:password credentials.
type ProxyRecord struct {
	ID  ProxyID `json:"id"`
	URL string  `json:"url"`
}

// JoinIDs renders ids the way the directory expects them in the blocked parameter.
func JoinIDs(ids []ProxyID) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = string(id)
	}
	return strings.Join(parts, "|")
}
