package protocol

// The rendezvous wire format is a single binary envelope carrying exactly one
// message. Envelopes are CBOR-encoded with integer keys; on stream transports
// (plain TCP) each envelope is preceded by a 4-byte big-endian length, while
// UDP datagrams and WebSocket binary frames carry one bare envelope each.

const (
	// UUIDLength is the length of a peer's opaque instance identifier.
	UUIDLength = 16
	// PublicKeyLength is the length of a peer's signing public key.
	PublicKeyLength = 32
	// MinIDLength is the minimum accepted length of a client-chosen peer id.
	MinIDLength = 6
)

// RegisterResult is the outcome of a RegisterPk exchange.
type RegisterResult int32

const (
	RegisterOK RegisterResult = iota
	RegisterUUIDMismatch
	RegisterTooFrequent
)

func (r RegisterResult) String() string {
	switch r {
	case RegisterOK:
		return "OK"
	case RegisterUUIDMismatch:
		return "UUID_MISMATCH"
	case RegisterTooFrequent:
		return "TOO_FREQUENT"
	}
	return "UNKNOWN"
}

// PunchFailure is the failure variant of a PunchHoleResponse.
type PunchFailure int32

const (
	PunchOK PunchFailure = iota
	PunchLicenseMismatch
	PunchIDNotExist
	PunchOffline
)

func (f PunchFailure) String() string {
	switch f {
	case PunchOK:
		return "OK"
	case PunchLicenseMismatch:
		return "LICENSE_MISMATCH"
	case PunchIDNotExist:
		return "ID_NOT_EXIST"
	case PunchOffline:
		return "OFFLINE"
	}
	return "UNKNOWN"
}

// NATType is the client-reported NAT classification.
type NATType int32

const (
	NATUnknown NATType = iota
	NATAsymmetric
	NATSymmetric
)

// RegisterPeer refreshes a peer's observed address and checks the
// configuration serial.
type RegisterPeer struct {
	ID     string `cbor:"1,keyasint"`
	Serial int32  `cbor:"2,keyasint,omitempty"`
}

// ConfigUpdate tells a client its bootstrap configuration is stale.
type ConfigUpdate struct {
	Serial            int32    `cbor:"1,keyasint"`
	RendezvousServers []string `cbor:"2,keyasint,omitempty"`
}

// RegisterPk binds a peer id to its (uuid, public key) identity.
type RegisterPk struct {
	ID        string `cbor:"1,keyasint"`
	UUID      []byte `cbor:"2,keyasint"`
	PublicKey []byte `cbor:"3,keyasint"`
}

// RegisterPkResponse reports the outcome of a RegisterPk.
type RegisterPkResponse struct {
	Result RegisterResult `cbor:"1,keyasint"`
}

// PunchHoleRequest asks the server to broker a connection to TargetID.
type PunchHoleRequest struct {
	TargetID   string  `cbor:"1,keyasint"`
	LicenceKey string  `cbor:"2,keyasint,omitempty"`
	NATType    NATType `cbor:"3,keyasint,omitempty"`
}

// PunchHole is pushed to the target peer so it can open its NAT toward
// the requester before the requester's direct attempt arrives.
type PunchHole struct {
	Addr        string  `cbor:"1,keyasint"`
	RelayServer string  `cbor:"2,keyasint,omitempty"`
	NATType     NATType `cbor:"3,keyasint,omitempty"`
}

// PunchHoleSent is the target's acknowledgement that it punched toward Addr.
type PunchHoleSent struct {
	Addr        string `cbor:"1,keyasint"`
	ID          string `cbor:"2,keyasint,omitempty"`
	RelayServer string `cbor:"3,keyasint,omitempty"`
}

// PunchHoleResponse resolves a PunchHoleRequest: either a direct address to
// punch toward, a relay assignment, or a typed failure.
type PunchHoleResponse struct {
	Addr        string       `cbor:"1,keyasint,omitempty"`
	RelayServer string       `cbor:"2,keyasint,omitempty"`
	Failure     PunchFailure `cbor:"3,keyasint,omitempty"`
}

// LocalAddr discloses a target's LAN address when both ends sit inside the
// operator-configured LAN mask.
type LocalAddr struct {
	ID          string `cbor:"1,keyasint,omitempty"`
	LocalAddr   string `cbor:"2,keyasint"`
	RelayServer string `cbor:"3,keyasint,omitempty"`
}

// TestNatRequest is sent on the NAT-probe port; the response echoes the
// source port the server observed so the client can classify its NAT.
type TestNatRequest struct {
	Serial int32 `cbor:"1,keyasint,omitempty"`
}

// TestNatResponse carries the observed port and, when the client's serial is
// behind, the current configuration.
type TestNatResponse struct {
	Port         int32         `cbor:"1,keyasint"`
	ConfigUpdate *ConfigUpdate `cbor:"2,keyasint,omitempty"`
}

// Heartbeat refreshes a registered peer's last-seen timestamp.
type Heartbeat struct {
	ID string `cbor:"1,keyasint"`
}

// Envelope is the tagged union wrapping every wire message. Exactly one field
// is non-nil on a valid envelope.
type Envelope struct {
	RegisterPeer       *RegisterPeer       `cbor:"1,keyasint,omitempty"`
	ConfigUpdate       *ConfigUpdate       `cbor:"2,keyasint,omitempty"`
	RegisterPk         *RegisterPk         `cbor:"3,keyasint,omitempty"`
	RegisterPkResponse *RegisterPkResponse `cbor:"4,keyasint,omitempty"`
	PunchHoleRequest   *PunchHoleRequest   `cbor:"5,keyasint,omitempty"`
	PunchHole          *PunchHole          `cbor:"6,keyasint,omitempty"`
	PunchHoleSent      *PunchHoleSent      `cbor:"7,keyasint,omitempty"`
	PunchHoleResponse  *PunchHoleResponse  `cbor:"8,keyasint,omitempty"`
	LocalAddr          *LocalAddr          `cbor:"9,keyasint,omitempty"`
	TestNatRequest     *TestNatRequest     `cbor:"10,keyasint,omitempty"`
	TestNatResponse    *TestNatResponse    `cbor:"11,keyasint,omitempty"`
	Heartbeat          *Heartbeat          `cbor:"12,keyasint,omitempty"`
}

// Valid reports whether the envelope carries exactly one message.
func (e *Envelope) Valid() bool {
	n := 0
	for _, m := range []bool{
		e.RegisterPeer != nil,
		e.ConfigUpdate != nil,
		e.RegisterPk != nil,
		e.RegisterPkResponse != nil,
		e.PunchHoleRequest != nil,
		e.PunchHole != nil,
		e.PunchHoleSent != nil,
		e.PunchHoleResponse != nil,
		e.LocalAddr != nil,
		e.TestNatRequest != nil,
		e.TestNatResponse != nil,
		e.Heartbeat != nil,
	} {
		if m {
			n++
		}
	}
	return n == 1
}
