package rpc

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// ChangeStatus mirrors store.Status on the wire
type ChangeStatus uint64

const (
	StatusPending ChangeStatus = iota
	StatusCommitted
)

// Change is one key/value entry of a heartbeat or state payload
type Change struct {
	Key    string       // 1
	Value  string       // 2
	Status ChangeStatus // 3
}

func (m *Change) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Key)
	b = appendString(b, 2, m.Value)
	b = appendUint(b, 3, uint64(m.Status))
	return b
}

func (m *Change) Unmarshal(data []byte) error {
	*m = Change{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeString(typ, b, &m.Value)
		case 3:
			var v uint64
			n, err := consumeUint(typ, b, &v)
			m.Status = ChangeStatus(v)
			return n, err
		}
		return 0, nil
	})
}

// Pair is a committed key/value pair
type Pair struct {
	Key   string // 1
	Value string // 2
}

func (m *Pair) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Key)
	b = appendString(b, 2, m.Value)
	return b
}

func (m *Pair) Unmarshal(data []byte) error {
	*m = Pair{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeString(typ, b, &m.Value)
		}
		return 0, nil
	})
}

func consumePair(typ protowire.Type, b []byte, dst *map[string]string) (int, error) {
	var p Pair
	n, err := consumeMessage(typ, b, &p)
	if err != nil {
		return 0, err
	}
	if *dst == nil {
		*dst = make(map[string]string)
	}
	(*dst)[p.Key] = p.Value
	return n, nil
}

func consumeChange(typ protowire.Type, b []byte, dst *[]*Change) (int, error) {
	c := &Change{}
	n, err := consumeMessage(typ, b, c)
	if err != nil {
		return 0, err
	}
	*dst = append(*dst, c)
	return n, nil
}

func consumeRepeatedString(typ protowire.Type, b []byte, dst *[]string) (int, error) {
	var s string
	n, err := consumeString(typ, b, &s)
	if err != nil {
		return 0, err
	}
	*dst = append(*dst, s)
	return n, nil
}

type RequestVoteRequest struct {
	Candidate string // 1
	Term      uint64 // 2
}

func (m *RequestVoteRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Candidate)
	b = appendUint(b, 2, m.Term)
	return b
}

func (m *RequestVoteRequest) Unmarshal(data []byte) error {
	*m = RequestVoteRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Candidate)
		case 2:
			return consumeUint(typ, b, &m.Term)
		}
		return 0, nil
	})
}

type RequestVoteResponse struct {
	Granted bool   // 1
	Term    uint64 // 2
}

func (m *RequestVoteResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.Granted)
	b = appendUint(b, 2, m.Term)
	return b
}

func (m *RequestVoteResponse) Unmarshal(data []byte) error {
	*m = RequestVoteResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &m.Granted)
		case 2:
			return consumeUint(typ, b, &m.Term)
		}
		return 0, nil
	})
}

// HeartbeatRequest carries the leader's liveness signal and its full change view
type HeartbeatRequest struct {
	From    string    // 1
	Term    uint64    // 2
	Changes []*Change // 3
}

func (m *HeartbeatRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.From)
	b = appendUint(b, 2, m.Term)
	for _, c := range m.Changes {
		b = appendMessage(b, 3, c)
	}
	return b
}

func (m *HeartbeatRequest) Unmarshal(data []byte) error {
	*m = HeartbeatRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.From)
		case 2:
			return consumeUint(typ, b, &m.Term)
		case 3:
			return consumeChange(typ, b, &m.Changes)
		}
		return 0, nil
	})
}

type HeartbeatResponse struct {
	Ack  bool   // 1
	Term uint64 // 2
}

func (m *HeartbeatResponse) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, m.Ack)
	b = appendUint(b, 2, m.Term)
	return b
}

func (m *HeartbeatResponse) Unmarshal(data []byte) error {
	*m = HeartbeatResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &m.Ack)
		case 2:
			return consumeUint(typ, b, &m.Term)
		}
		return 0, nil
	})
}

// GetRequest reads one key when HasKey is set, otherwise the whole committed mapping
type GetRequest struct {
	Key    string // 1
	HasKey bool   // 2
}

func (m *GetRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Key)
	b = appendBool(b, 2, m.HasKey)
	return b
}

func (m *GetRequest) Unmarshal(data []byte) error {
	*m = GetRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeBool(typ, b, &m.HasKey)
		}
		return 0, nil
	})
}

type GetResponse struct {
	Values map[string]string // 1, repeated Pair
}

func (m *GetResponse) Marshal() []byte {
	return appendPairs(nil, 1, m.Values)
}

func (m *GetResponse) Unmarshal(data []byte) error {
	*m = GetResponse{}
	err := decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumePair(typ, b, &m.Values)
		}
		return 0, nil
	})
	if m.Values == nil {
		m.Values = map[string]string{}
	}
	return err
}

type SetRequest struct {
	Key       string // 1
	Value     string // 2
	Hops      uint32 // 3, number of times the write was forwarded
	RequestID string // 4
}

func (m *SetRequest) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.Key)
	b = appendString(b, 2, m.Value)
	b = appendUint(b, 3, uint64(m.Hops))
	b = appendString(b, 4, m.RequestID)
	return b
}

func (m *SetRequest) Unmarshal(data []byte) error {
	*m = SetRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.Key)
		case 2:
			return consumeString(typ, b, &m.Value)
		case 3:
			var v uint64
			n, err := consumeUint(typ, b, &v)
			m.Hops = uint32(v)
			return n, err
		case 4:
			return consumeString(typ, b, &m.RequestID)
		}
		return 0, nil
	})
}

type SetResponse struct {
	Success bool // 1
}

func (m *SetResponse) Marshal() []byte {
	return appendBool(nil, 1, m.Success)
}

func (m *SetResponse) Unmarshal(data []byte) error {
	*m = SetResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBool(typ, b, &m.Success)
		}
		return 0, nil
	})
}

// FellowRequest is used by both AddFellow and RemoveFellow
type FellowRequest struct {
	Address string // 1
}

func (m *FellowRequest) Marshal() []byte {
	return appendString(nil, 1, m.Address)
}

func (m *FellowRequest) Unmarshal(data []byte) error {
	*m = FellowRequest{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &m.Address)
		}
		return 0, nil
	})
}

type FellowResponse struct {
	Changed bool // 1
}

func (m *FellowResponse) Marshal() []byte {
	return appendBool(nil, 1, m.Changed)
}

func (m *FellowResponse) Unmarshal(data []byte) error {
	*m = FellowResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeBool(typ, b, &m.Changed)
		}
		return 0, nil
	})
}

type ShowFellowsRequest struct{}

func (m *ShowFellowsRequest) Marshal() []byte { return nil }

func (m *ShowFellowsRequest) Unmarshal(data []byte) error {
	return decodeFields(data, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

type ShowFellowsResponse struct {
	Fellows []string // 1
}

func (m *ShowFellowsResponse) Marshal() []byte {
	return appendRepeatedString(nil, 1, m.Fellows)
}

func (m *ShowFellowsResponse) Unmarshal(data []byte) error {
	*m = ShowFellowsResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeRepeatedString(typ, b, &m.Fellows)
		}
		return 0, nil
	})
}

type StateRequest struct{}

func (m *StateRequest) Marshal() []byte { return nil }

func (m *StateRequest) Unmarshal(data []byte) error {
	return decodeFields(data, func(protowire.Number, protowire.Type, []byte) (int, error) { return 0, nil })
}

// StateResponse is the diagnostic snapshot of a node
type StateResponse struct {
	ID              string            // 1
	Incarnation     string            // 2
	Role            string            // 3
	Term            uint64            // 4
	VotedFor        string            // 5
	CurrentLeader   string            // 6
	LastHeartbeatAt uint64            // 7, unix nanoseconds
	Fellows         []string          // 8
	Pending         []*Change         // 9
	Committed       map[string]string // 10, repeated Pair
}

func (m *StateResponse) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, m.ID)
	b = appendString(b, 2, m.Incarnation)
	b = appendString(b, 3, m.Role)
	b = appendUint(b, 4, m.Term)
	b = appendString(b, 5, m.VotedFor)
	b = appendString(b, 6, m.CurrentLeader)
	b = appendUint(b, 7, m.LastHeartbeatAt)
	b = appendRepeatedString(b, 8, m.Fellows)
	for _, c := range m.Pending {
		b = appendMessage(b, 9, c)
	}
	b = appendPairs(b, 10, m.Committed)
	return b
}

func (m *StateResponse) Unmarshal(data []byte) error {
	*m = StateResponse{}
	return decodeFields(data, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &m.ID)
		case 2:
			return consumeString(typ, b, &m.Incarnation)
		case 3:
			return consumeString(typ, b, &m.Role)
		case 4:
			return consumeUint(typ, b, &m.Term)
		case 5:
			return consumeString(typ, b, &m.VotedFor)
		case 6:
			return consumeString(typ, b, &m.CurrentLeader)
		case 7:
			return consumeUint(typ, b, &m.LastHeartbeatAt)
		case 8:
			return consumeRepeatedString(typ, b, &m.Fellows)
		case 9:
			return consumeChange(typ, b, &m.Pending)
		case 10:
			return consumePair(typ, b, &m.Committed)
		}
		return 0, nil
	})
}
