package model

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
)

// ClusterMember is a node descriptor published under the membership path.
// UUID comes from the child key, the rest from the stored value.
type ClusterMember struct {
	UUID      string     `json:"uuid"`
	Hostname  string     `json:"hostname"`
	Resources Resources  `json:"resources"`
	Endpoints []Endpoint `json:"endpoints"`
}

// Endpoint is a (host, port) pair. On the wire it is a two element array:
// ["2a02:6b8::1", 10053].
type Endpoint struct {
	Host string
	Port uint16
}

func (e Endpoint) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.Host, e.Port})
}

func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("endpoint: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("endpoint: expected [host, port], got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Host); err != nil {
		return fmt.Errorf("endpoint host: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Port); err != nil {
		return fmt.Errorf("endpoint port: %w", err)
	}
	return nil
}

// IsIPv6 reports whether the host is an IPv6 literal.
func (e Endpoint) IsIPv6() bool {
	ip := net.ParseIP(e.Host)
	return ip != nil && ip.To4() == nil
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
}

// Clone returns a deep copy, so snapshot readers never share slices with
// the writer.
func (m ClusterMember) Clone() ClusterMember {
	out := m
	if m.Endpoints != nil {
		out.Endpoints = append([]Endpoint(nil), m.Endpoints...)
	}
	return out
}
