// Package krpc encodes and decodes the bencoded get_peers exchange of the
// mainline BitTorrent DHT.
package krpc

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"

	"github.com/zeebo/bencode"
)

const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"

	MethodGetPeers = "get_peers"

	// TxIDSize is the length of the transaction ids we generate.
	TxIDSize = 4
	// NodeIDSize is the length of node ids and info hashes.
	NodeIDSize = 20
)

var (
	// ErrMalformed is returned for packets that are not valid KRPC.
	ErrMalformed = errors.New("malformed krpc message")
	// ErrUnsupported is returned for well-formed messages we do not handle.
	ErrUnsupported = errors.New("unsupported krpc message")
)

// TxID is a transaction id.
type TxID [TxIDSize]byte

func (t TxID) String() string { return hex.EncodeToString(t[:]) }

// NodeID is a 160 bit node id or info hash.
type NodeID [NodeIDSize]byte

func (n NodeID) String() string { return hex.EncodeToString(n[:]) }

// RandomNodeID returns a random id.
func RandomNodeID() NodeID {
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return id
}

// GetPeersQuery is the "a" dictionary of a get_peers query.
type GetPeersQuery struct {
	TxID     TxID
	ID       NodeID
	InfoHash NodeID
	NoSeed   bool
}

// GetPeersReply is the "r" dictionary of a get_peers response.
type GetPeersReply struct {
	TxID   TxID
	ID     NodeID
	Token  string
	Values []netip.AddrPort
	Nodes  []Node
	Nodes6 []Node
}

// RemoteError is the "e" list of an error response.
type RemoteError struct {
	Code    int64
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("krpc error %d: %s", e.Code, e.Message)
}

// Message is a decoded packet. Exactly one of Query, Reply, Error is set.
type Message struct {
	TxID  TxID
	Type  string
	Query *GetPeersQuery
	Reply *GetPeersReply
	Error *RemoteError
}

// EncodeQuery renders a get_peers query.
func EncodeQuery(q *GetPeersQuery) ([]byte, error) {
	noseed := int64(0)
	if q.NoSeed {
		noseed = 1
	}
	d := map[string]interface{}{
		"t": string(q.TxID[:]),
		"y": TypeQuery,
		"q": MethodGetPeers,
		"a": map[string]interface{}{
			"id":        string(q.ID[:]),
			"info_hash": string(q.InfoHash[:]),
			"noseed":    noseed,
		},
	}
	return bencode.EncodeBytes(d)
}

// EncodeReply renders a get_peers response. Empty fields are omitted.
func EncodeReply(r *GetPeersReply) ([]byte, error) {
	body := map[string]interface{}{
		"id": string(r.ID[:]),
	}
	if r.Token != "" {
		body["token"] = r.Token
	}
	if len(r.Values) > 0 {
		values := make([]string, 0, len(r.Values))
		for _, v := range r.Values {
			values = append(values, string(AppendCompactPeer(nil, v)))
		}
		body["values"] = values
	}
	if len(r.Nodes) > 0 {
		body["nodes"] = string(EncodeNodes(r.Nodes, CompactNodeSize))
	}
	if len(r.Nodes6) > 0 {
		body["nodes6"] = string(EncodeNodes(r.Nodes6, CompactNode6Size))
	}
	d := map[string]interface{}{
		"t": string(r.TxID[:]),
		"y": TypeResponse,
		"r": body,
	}
	return bencode.EncodeBytes(d)
}

// Decode parses a packet. Malformed optional fields of a reply are dropped
// value by value; only a missing transaction id, type or responder id
// rejects the whole message.
func Decode(data []byte) (*Message, error) {
	v := make(map[string]interface{})
	if err := bencode.DecodeBytes(data, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	t, ok := v["t"].(string)
	if !ok || len(t) != TxIDSize {
		return nil, fmt.Errorf("%w: bad field 't'", ErrMalformed)
	}
	y, ok := v["y"].(string)
	if !ok {
		return nil, fmt.Errorf("%w: bad field 'y'", ErrMalformed)
	}

	msg := &Message{Type: y}
	copy(msg.TxID[:], t)

	switch y {
	case TypeQuery:
		q, err := decodeQuery(v)
		if err != nil {
			return nil, err
		}
		q.TxID = msg.TxID
		msg.Query = q
	case TypeResponse:
		body, ok := v["r"].(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("%w: bad field 'r'", ErrMalformed)
		}
		r, err := decodeReply(body)
		if err != nil {
			return nil, err
		}
		r.TxID = msg.TxID
		msg.Reply = r
	case TypeError:
		msg.Error = decodeError(v["e"])
	default:
		return nil, fmt.Errorf("%w: message type %q", ErrUnsupported, y)
	}
	return msg, nil
}

func decodeQuery(v map[string]interface{}) (*GetPeersQuery, error) {
	method, _ := v["q"].(string)
	if method != MethodGetPeers {
		return nil, fmt.Errorf("%w: method %q", ErrUnsupported, method)
	}
	a, ok := v["a"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: bad field 'a'", ErrMalformed)
	}
	id, ok := nodeID(a["id"])
	if !ok {
		return nil, fmt.Errorf("%w: bad field 'id'", ErrMalformed)
	}
	hash, ok := nodeID(a["info_hash"])
	if !ok {
		return nil, fmt.Errorf("%w: bad field 'info_hash'", ErrMalformed)
	}
	noseed, _ := a["noseed"].(int64)
	return &GetPeersQuery{ID: id, InfoHash: hash, NoSeed: noseed != 0}, nil
}

func decodeReply(body map[string]interface{}) (*GetPeersReply, error) {
	id, ok := nodeID(body["id"])
	if !ok {
		return nil, fmt.Errorf("%w: bad field 'id'", ErrMalformed)
	}
	r := &GetPeersReply{ID: id}
	r.Token, _ = body["token"].(string)

	if values, ok := body["values"].([]interface{}); ok {
		for _, raw := range values {
			s, ok := raw.(string)
			if !ok {
				continue
			}
			if ap, ok := ParseCompactPeer([]byte(s)); ok {
				r.Values = append(r.Values, ap)
			}
		}
	}
	if nodes, ok := body["nodes"].(string); ok {
		r.Nodes = ParseNodes([]byte(nodes), CompactNodeSize)
	}
	if nodes6, ok := body["nodes6"].(string); ok {
		r.Nodes6 = ParseNodes([]byte(nodes6), CompactNode6Size)
	}
	return r, nil
}

func decodeError(raw interface{}) *RemoteError {
	e := &RemoteError{}
	list, ok := raw.([]interface{})
	if !ok {
		return e
	}
	if len(list) > 0 {
		e.Code, _ = list[0].(int64)
	}
	if len(list) > 1 {
		e.Message, _ = list[1].(string)
	}
	return e
}

func nodeID(raw interface{}) (NodeID, bool) {
	var id NodeID
	s, ok := raw.(string)
	if !ok || len(s) != NodeIDSize {
		return id, false
	}
	copy(id[:], s)
	return id, true
}
