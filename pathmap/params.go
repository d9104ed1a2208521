package pathmap

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ApplicationParams are the path parameters negotiated alongside the
// secrets and carried by every entry.
type ApplicationParams struct {
	MaxDatagramSize  uint16
	RemoteMaxData    uint64
	LocalSendMaxData uint64
	LocalRecvMaxData uint64
}

// ApplicationData is the opaque application payload bound to a path at
// handshake time, carried as canonical CBOR.
type ApplicationData []byte

// EncodeApplicationData marshals v into canonical CBOR.
func EncodeApplicationData(v any) (ApplicationData, error) {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("encode application data: %w", err)
	}
	data, err := mode.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode application data: %w", err)
	}
	return ApplicationData(data), nil
}

// Decode unmarshals the payload into out.
func (d ApplicationData) Decode(out any) error {
	mode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		return fmt.Errorf("decode application data: %w", err)
	}
	if err := mode.Unmarshal([]byte(d), out); err != nil {
		return fmt.Errorf("decode application data: %w", err)
	}
	return nil
}
