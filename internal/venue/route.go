package venue

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

var ErrInvalidRoute = errors.New("invalid route payload")

// Route is the decoded form of a lever or delever payload: the hop path a
// trade takes through the venue and the pool fee tier of each hop.
type Route struct {
	Venue    string
	Path     []string
	FeeBps   []uint32
	Deadline int64
}

// Sell returns the asset the route starts from.
func (r Route) Sell() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[0]
}

// Buy returns the asset the route ends at.
func (r Route) Buy() string {
	if len(r.Path) == 0 {
		return ""
	}
	return r.Path[len(r.Path)-1]
}

func (r Route) validate() error {
	if strings.TrimSpace(r.Venue) == "" {
		return fmt.Errorf("venue is required: %w", ErrInvalidRoute)
	}
	if len(r.Path) < 2 {
		return fmt.Errorf("path needs at least two assets: %w", ErrInvalidRoute)
	}
	if len(r.FeeBps) != 0 && len(r.FeeBps) != len(r.Path)-1 {
		return fmt.Errorf("fee tiers must match hops: %w", ErrInvalidRoute)
	}
	for i, asset := range r.Path {
		if strings.TrimSpace(asset) == "" {
			return fmt.Errorf("path[%d] is empty: %w", i, ErrInvalidRoute)
		}
	}
	return nil
}

// EncodeRoute writes the route as a msgpack map with a fixed key order so the
// same route always yields the same payload bytes.
func EncodeRoute(r Route) ([]byte, error) {
	if err := r.validate(); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	mapLen := 2
	if len(r.FeeBps) > 0 {
		mapLen++
	}
	if r.Deadline > 0 {
		mapLen++
	}
	if err := enc.EncodeMapLen(mapLen); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("v"); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(r.Venue); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("p"); err != nil {
		return nil, err
	}
	if err := enc.EncodeArrayLen(len(r.Path)); err != nil {
		return nil, err
	}
	for _, asset := range r.Path {
		if err := enc.EncodeString(asset); err != nil {
			return nil, err
		}
	}
	if len(r.FeeBps) > 0 {
		if err := enc.EncodeString("f"); err != nil {
			return nil, err
		}
		if err := enc.EncodeArrayLen(len(r.FeeBps)); err != nil {
			return nil, err
		}
		for _, fee := range r.FeeBps {
			if err := enc.EncodeUint32(fee); err != nil {
				return nil, err
			}
		}
	}
	if r.Deadline > 0 {
		if err := enc.EncodeString("d"); err != nil {
			return nil, err
		}
		if err := enc.EncodeInt(r.Deadline); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func DecodeRoute(payload []byte) (Route, error) {
	if len(payload) == 0 {
		return Route{}, fmt.Errorf("empty payload: %w", ErrInvalidRoute)
	}
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return Route{}, fmt.Errorf("%v: %w", err, ErrInvalidRoute)
	}
	var r Route
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return Route{}, fmt.Errorf("%v: %w", err, ErrInvalidRoute)
		}
		switch key {
		case "v":
			r.Venue, err = dec.DecodeString()
		case "p":
			r.Path, err = decodeStrings(dec)
		case "f":
			r.FeeBps, err = decodeUint32s(dec)
		case "d":
			r.Deadline, err = dec.DecodeInt64()
		default:
			err = dec.Skip()
		}
		if err != nil {
			return Route{}, fmt.Errorf("field %s: %v: %w", key, err, ErrInvalidRoute)
		}
	}
	if err := r.validate(); err != nil {
		return Route{}, err
	}
	return r, nil
}

func decodeStrings(dec *msgpack.Decoder) ([]string, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, max(n, 0))
	for i := 0; i < n; i++ {
		s, err := dec.DecodeString()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func decodeUint32s(dec *msgpack.Decoder) ([]uint32, error) {
	n, err := dec.DecodeArrayLen()
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, max(n, 0))
	for i := 0; i < n; i++ {
		v, err := dec.DecodeUint32()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}
