package innerproto

import "fmt"

// SealRequest marshals and seals r under key, ready to be embedded in the
// disguised HTTP request by the camo codec.
func SealRequest(key [32]byte, r Request) ([]byte, error) {
	plaintext, err := r.Marshal()
	if err != nil {
		return nil, fmt.Errorf("innerproto: marshaling request: %w", err)
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("innerproto: sealing request: %w", err)
	}
	return sealed, nil
}

// OpenRequest opens and unmarshals a Request sealed by SealRequest.
func OpenRequest(key [32]byte, sealed []byte) (Request, error) {
	plaintext, err := Open(key, sealed)
	if err != nil {
		return Request{}, err
	}
	req, err := UnmarshalRequest(plaintext)
	if err != nil {
		return Request{}, fmt.Errorf("innerproto: unmarshaling request: %w", err)
	}
	return req, nil
}

// SealResponse marshals and seals r under key.
func SealResponse(key [32]byte, r Response) ([]byte, error) {
	plaintext, err := r.Marshal()
	if err != nil {
		return nil, fmt.Errorf("innerproto: marshaling response: %w", err)
	}
	sealed, err := Seal(key, plaintext)
	if err != nil {
		return nil, fmt.Errorf("innerproto: sealing response: %w", err)
	}
	return sealed, nil
}

// OpenResponse opens and unmarshals a Response sealed by SealResponse.
func OpenResponse(key [32]byte, sealed []byte) (Response, error) {
	plaintext, err := Open(key, sealed)
	if err != nil {
		return Response{}, err
	}
	resp, err := UnmarshalResponse(plaintext)
	if err != nil {
		return Response{}, fmt.Errorf("innerproto: unmarshaling response: %w", err)
	}
	return resp, nil
}
