// Package conn implements Connection & ConnectionSet (SPEC_FULL.md §4.2):
// an abstract point-to-point byte transport and a multiplexed readiness
// selector over a set of them.
package conn

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind is a connection description's transport kind (§6 "Connection
// descriptions"). Only tcpip, pipe and multicast are implemented; the
// remaining kinds named in spec.md (rsp, ib, ...) are accepted by the
// parser but rejected at dial/listen time with ErrUnsupportedKind,
// matching the original's "not all transports are compiled in" posture.
type Kind string

const (
	KindTCP       Kind = "tcpip"
	KindPipe      Kind = "pipe"
	KindMulticast Kind = "multicast"
	KindRSP       Kind = "rsp"
	KindIB        Kind = "ib"
)

// Description is the parsed form of the wire connection-description
// string `kind:host:port[:group]` (§6).
type Description struct {
	Kind  Kind
	Host  string
	Port  int
	Group string // non-empty only for KindMulticast
}

func (d Description) String() string {
	if d.Group != "" {
		return fmt.Sprintf("%s:%s:%d:%s", d.Kind, d.Host, d.Port, d.Group)
	}
	return fmt.Sprintf("%s:%s:%d", d.Kind, d.Host, d.Port)
}

func (d Description) IsMulticast() bool {
	return d.Kind == KindMulticast && d.Group != ""
}

// ParseDescription parses the §6 connection-description string.
// Grounded on chotki protocol/net.go's parseAddr (URL-scheme based),
// adapted from the `tcp://host:port` syntax to the spec's colon
// separated `kind:host:port[:group]` syntax.
func ParseDescription(s string) (Description, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return Description{}, ErrBadDescription
	}
	kind := Kind(parts[0])
	host := parts[1]
	port, err := strconv.Atoi(parts[2])
	if err != nil {
		return Description{}, ErrBadDescription
	}
	d := Description{Kind: kind, Host: host, Port: port}
	if len(parts) >= 4 {
		d.Group = parts[3]
	}
	return d, nil
}
