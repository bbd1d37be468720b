package observer

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"cubeworld.ai/internal/observerproto"
	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/sim/world/coords"
	"cubeworld.ai/internal/sim/world/watch"
)

type Options struct {
	// LoopbackOnly rejects connections from non-loopback addresses.
	LoopbackOnly bool
	// EventBuffer is the per-session queue between the world loop and the
	// socket writer. A full queue makes the tracker retry next tick.
	EventBuffer int
	// LeaveTimeout bounds how long a closed session waits for the world to
	// accept its leave.
	LeaveTimeout time.Duration
}

type Stats struct {
	Sessions     int64
	MessagesSent uint64
	EncodeErrors uint64
}

type Server struct {
	world *world.World
	log   *log.Logger
	opts  Options

	upgrader websocket.Upgrader

	sessions     atomic.Int64
	messagesSent atomic.Uint64
	encodeErrors atomic.Uint64
}

func NewServer(w *world.World, logger *log.Logger, opts Options) *Server {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = 4096
	}
	if opts.LeaveTimeout <= 0 {
		opts.LeaveTimeout = 30 * time.Second
	}
	return &Server{
		world: w,
		log:   logger,
		opts:  opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

func (s *Server) Stats() Stats {
	return Stats{
		Sessions:     s.sessions.Load(),
		MessagesSent: s.messagesSent.Load(),
		EncodeErrors: s.encodeErrors.Load(),
	}
}

func (s *Server) allowed(r *http.Request) bool {
	return !s.opts.LoopbackOnly || isLoopbackRemote(r.RemoteAddr)
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		cfg := s.world.Config()
		resp := observerproto.BootstrapResponse{
			ProtocolVersion: observerproto.Version,
			WorldID:         cfg.ID,
			Tick:            s.world.CurrentTick(),
			WorldParams: observerproto.WorldParams{
				TickRateHz:       cfg.TickRateHz,
				CubeEdge:         coords.Edge,
				MinY:             cfg.Cache.MinCubeY * coords.Edge,
				MaxY:             cfg.Cache.MaxCubeY*coords.Edge + coords.Edge - 1,
				BorderR:          cfg.Cache.BorderR,
				HorizontalRadius: cfg.Watch.HorizontalRadius,
				VerticalRadius:   cfg.Watch.VerticalRadius,
			},
			BlockPalette: s.world.Blocks().Palette,
		}
		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(time.Second))
}

func vec(p [3]float64) mgl64.Vec3 { return mgl64.Vec3{p[0], p[1], p[2]} }

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !s.allowed(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub observerproto.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			closeWith(conn, websocket.ClosePolicyViolation, "bad subscribe")
			return
		}
		if sub.Type != observerproto.TypeSubscribe || sub.ProtocolVersion != observerproto.Version {
			closeWith(conn, websocket.ClosePolicyViolation, "expected SUBSCRIBE")
			return
		}

		sid := uuid.NewString()
		events := make(chan watch.Event, s.opts.EventBuffer)
		select {
		case s.world.ObserverJoin() <- world.ObserverJoinRequest{ID: sid, Pos: vec(sub.Pos), Out: events}:
		default:
			closeWith(conn, websocket.CloseTryAgainLater, "server busy")
			return
		}
		s.sessions.Add(1)
		defer s.sessions.Add(-1)
		defer func() {
			lctx, lcancel := context.WithTimeout(context.Background(), s.opts.LeaveTimeout)
			defer lcancel()
			if err := s.world.RequestObserverLeave(lctx, sid); err != nil {
				s.log.Printf("session %s: %v", sid, err)
			}
		}()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		welcome, _ := json.Marshal(observerproto.WelcomeMsg{
			Type:            observerproto.TypeWelcome,
			ProtocolVersion: observerproto.Version,
			SessionID:       sid,
			WorldID:         s.world.ID(),
			Tick:            s.world.CurrentTick(),
		})
		replies := make(chan []byte, 64)

		writeErr := make(chan error, 1)
		go func() { writeErr <- s.writeLoop(ctx, conn, welcome, events, replies) }()

		// Reader loop: position updates and edits.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			s.handleMessage(ctx, sid, msg, replies)
		}

		cancel()
		closeWith(conn, websocket.CloseNormalClosure, "bye")

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Server) handleMessage(ctx context.Context, sid string, msg []byte, replies chan []byte) {
	var env observerproto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		trySend(replies, observerproto.ErrorMessage("BAD_REQUEST", "malformed message"))
		return
	}
	switch env.Type {
	case observerproto.TypePosition:
		var p observerproto.PositionMsg
		if err := json.Unmarshal(msg, &p); err != nil {
			return
		}
		select {
		case s.world.ObserverMove() <- world.ObserverMoveRequest{ID: sid, Pos: vec(p.Pos)}:
		default:
			// Drop updates under load; the client sends positions continuously.
		}
	case observerproto.TypeSetVoxel:
		var m observerproto.SetVoxelMsg
		if err := json.Unmarshal(msg, &m); err != nil {
			trySend(replies, observerproto.ErrorMessage("BAD_REQUEST", "malformed SET_VOXEL"))
			return
		}
		id, ok := s.world.Blocks().Lookup(m.Block)
		if !ok {
			trySend(replies, observerproto.ErrorMessage("UNKNOWN_BLOCK", m.Block))
			return
		}
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		pos := coords.BlockPos{X: m.Pos[0], Y: m.Pos[1], Z: m.Pos[2]}
		prev, err := s.world.RequestSetVoxel(rctx, sid, pos, id, m.Reason)
		if err != nil {
			trySend(replies, observerproto.ErrorMessage("REJECTED", err.Error()))
			return
		}
		b, _ := json.Marshal(observerproto.AckMsg{Type: observerproto.TypeAck, Pos: m.Pos, Prev: s.world.Blocks().Name(prev)})
		trySend(replies, b)
	default:
		trySend(replies, observerproto.ErrorMessage("BAD_REQUEST", "unknown type "+env.Type))
	}
}

// writeLoop is the only goroutine that writes data frames to conn. first is
// written before any event.
func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, first []byte, events <-chan watch.Event, replies <-chan []byte) error {
	write := func(b []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			return err
		}
		s.messagesSent.Add(1)
		return nil
	}
	if err := write(first); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case b := <-replies:
			if err := write(b); err != nil {
				return err
			}
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			b, err := observerproto.EncodeEvent(ev)
			if err != nil {
				s.encodeErrors.Add(1)
				s.log.Printf("observer %s: %v", ev.Observer, err)
				continue
			}
			if err := write(b); err != nil {
				return err
			}
		}
	}
}

func trySend(ch chan []byte, b []byte) bool {
	select {
	case ch <- b:
		return true
	default:
		return false
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
