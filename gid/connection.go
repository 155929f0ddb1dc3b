package gid

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// ConnectionTag identifies the gid type of a ConnectionID.
const ConnectionTag = "cnx"

// ConnectionID uniquely identifies one bidirectional TCP connection for the
// lifetime of the process. It is a UUID rather than a hash of the flow's
// 4-tuple because the 4-tuple can be reused by an unrelated connection once a
// socket is closed.
type ConnectionID baseID

var _ ID = ConnectionID{}

func NewConnectionID() ConnectionID {
	return ConnectionID(baseID(uuid.New()))
}

// ConnectionIDFromUUID wraps an already-generated UUID (e.g. a TCP
// bidirectional stream identifier minted elsewhere) as a ConnectionID,
// for callers that need one stable identity to survive the trip from a
// byte-stream parser back up to content emission.
func ConnectionIDFromUUID(u uuid.UUID) ConnectionID {
	return ConnectionID(baseID(u))
}

func (c ConnectionID) GetType() string { return ConnectionTag }
func (c ConnectionID) GetUUID() uuid.UUID {
	return baseID(c).GetUUID()
}
func (c ConnectionID) String() string { return String(c) }

func (c ConnectionID) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ConnectionID) UnmarshalText(data []byte) error {
	tag, encoded, found := strings.Cut(string(data), "_")
	if !found || tag != ConnectionTag {
		return errors.Errorf("malformed connection id %q", data)
	}
	u, err := decodeUUID(encoded)
	if err != nil {
		return errors.Wrap(err, "malformed connection id")
	}
	*c = ConnectionID(baseID(u))
	return nil
}

func (c *ConnectionID) Scan(src interface{}) error {
	b := (*baseID)(c)
	return b.Scan(src)
}
