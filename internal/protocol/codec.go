package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// MaxFrameSize bounds a single length-prefixed envelope on stream transports.
const MaxFrameSize = 64 * 1024

// ErrFrameTooLarge is returned when a stream frame exceeds MaxFrameSize.
var ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")

// ErrMalformed is returned for undecodable bytes or an envelope that does not
// carry exactly one message.
var ErrMalformed = errors.New("protocol: malformed envelope")

// encMode uses core deterministic encoding so the same message always
// produces identical bytes.
var encMode cbor.EncMode

var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("protocol: cbor encoder init: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		MaxArrayElements: 1024,
		MaxMapPairs:      1024,
	}.DecMode()
	if err != nil {
		panic("protocol: cbor decoder init: " + err.Error())
	}
}

// Marshal encodes an envelope to its wire bytes.
func Marshal(env *Envelope) ([]byte, error) {
	if !env.Valid() {
		return nil, ErrMalformed
	}
	return encMode.Marshal(env)
}

// Unmarshal decodes wire bytes into an envelope, rejecting anything that is
// not a well-formed single-message envelope.
func Unmarshal(data []byte) (*Envelope, error) {
	var env Envelope
	if err := decMode.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !env.Valid() {
		return nil, ErrMalformed
	}
	return &env, nil
}

// WriteFrame writes a length-prefixed envelope to a stream transport.
func WriteFrame(w io.Writer, env *Envelope) error {
	payload, err := Marshal(env)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed envelope from a stream transport.
func ReadFrame(r io.Reader) (*Envelope, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Unmarshal(payload)
}
