package observerproto

import (
	"encoding/json"
	"errors"
	"fmt"

	simenc "cubeworld.ai/internal/sim/encoding"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/cube"
	"cubeworld.ai/internal/sim/world/watch"
)

// Version is the observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe   = "SUBSCRIBE"
	TypePosition    = "POSITION"
	TypeSetVoxel    = "SET_VOXEL"
	TypeWelcome     = "WELCOME"
	TypeCubeWatch   = "CUBE_WATCH"
	TypeCubeUpdate  = "CUBE_UPDATE"
	TypeCubeUnwatch = "CUBE_UNWATCH"
	TypeAck         = "ACK"
	TypeError       = "ERROR"
)

// Envelope is used to peek at the type of an incoming message.
type Envelope struct {
	Type string `json:"type"`
}

// Client -> Server. Must be the first message on the connection.
type SubscribeMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	Pos             [3]float64 `json:"pos"`
}

// Client -> Server. Moves the observer.
type PositionMsg struct {
	Type string     `json:"type"`
	Pos  [3]float64 `json:"pos"`
}

// Client -> Server. Places a block by palette name.
type SetVoxelMsg struct {
	Type   string `json:"type"`
	Pos    [3]int `json:"pos"`
	Block  string `json:"block"`
	Reason string `json:"reason,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	WorldID         string      `json:"world_id"`
	Tick            uint64      `json:"tick"`
	WorldParams     WorldParams `json:"world_params"`
	BlockPalette    []string    `json:"block_palette"`
}

type WorldParams struct {
	TickRateHz       int `json:"tick_rate_hz"`
	CubeEdge         int `json:"cube_edge"`
	MinY             int `json:"min_y"`
	MaxY             int `json:"max_y"`
	BorderR          int `json:"border_r"`
	HorizontalRadius int `json:"horizontal_radius"`
	VerticalRadius   int `json:"vertical_radius"`
}

// Server -> Client. Sent once after a valid SUBSCRIBE.
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	WorldID         string `json:"world_id"`
	Tick            uint64 `json:"tick"`
}

// Server -> Client. CUBE_WATCH and CUBE_UPDATE carry the full voxel array:
// - Encoding: RLE over uint16 palette ids, base64 encoded
// - Order: index = x + z*16 + y*256
type CubeMsg struct {
	Type    string `json:"type"`
	Pos     [3]int `json:"pos"`
	Stage   string `json:"stage"`
	Version uint64 `json:"version"`
	Voxels  string `json:"voxels"`
}

// Server -> Client. The client should drop the cube.
type CubeUnwatchMsg struct {
	Type string `json:"type"`
	Pos  [3]int `json:"pos"`
}

type AckMsg struct {
	Type string `json:"type"`
	Pos  [3]int `json:"pos"`
	Prev string `json:"prev"`
}

type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func posOf(p coords.CubePos) [3]int { return [3]int{p.X, p.Y, p.Z} }

// EncodeEvent renders a tracker event as a JSON message.
func EncodeEvent(ev watch.Event) ([]byte, error) {
	switch ev.Kind {
	case watch.EventWatch, watch.EventUpdate:
		if ev.Payload == nil {
			return nil, fmt.Errorf("%v event for %v without payload", ev.Kind, ev.Pos)
		}
		typ := TypeCubeWatch
		if ev.Kind == watch.EventUpdate {
			typ = TypeCubeUpdate
		}
		return json.Marshal(CubeMsg{
			Type:    typ,
			Pos:     posOf(ev.Pos),
			Stage:   ev.Payload.Stage.String(),
			Version: ev.Payload.Version,
			Voxels:  simenc.EncodeRLE(ev.Payload.Voxels[:]),
		})
	case watch.EventUnwatch:
		return json.Marshal(CubeUnwatchMsg{Type: TypeCubeUnwatch, Pos: posOf(ev.Pos)})
	}
	return nil, fmt.Errorf("unknown event kind %d", ev.Kind)
}

// ToSerialized turns a received cube message into something a client world
// can install. Light is not sent; the client recomputes it.
func (m CubeMsg) ToSerialized() (*cube.Serialized, error) {
	if m.Type != TypeCubeWatch && m.Type != TypeCubeUpdate {
		return nil, errors.New("not a cube message")
	}
	stage, err := cube.ParseStage(m.Stage)
	if err != nil {
		return nil, err
	}
	ids, err := simenc.DecodeRLEExact(m.Voxels, coords.Volume)
	if err != nil {
		return nil, fmt.Errorf("cube %v: %w", m.Pos, err)
	}
	s := &cube.Serialized{
		Pos:   coords.CubePos{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]},
		Stage: stage,
		Tier:  cube.TierLoaded,
	}
	copy(s.Voxels[:], ids)
	return s, nil
}

func ErrorMessage(code, msg string) []byte {
	b, _ := json.Marshal(ErrorMsg{Type: TypeError, Code: code, Message: msg})
	return b
}
