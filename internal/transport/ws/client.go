// Package ws mirrors a remote server's cubes into a client-side world over
// the observer websocket.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"sync/atomic"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"

	"cubeworld.ai/internal/observerproto"
	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/sim/world/coords"
)

type Stats struct {
	Installed uint64
	Unloaded  uint64
	Rejected  uint64
}

// Client owns one connection. Run reads until the connection or ctx ends;
// MoveTo may be called from any goroutine.
type Client struct {
	world *world.World
	log   *log.Logger

	moves chan mgl64.Vec3

	sessionID atomic.Value // string
	installed atomic.Uint64
	unloaded  atomic.Uint64
	rejected  atomic.Uint64
}

func NewClient(w *world.World, logger *log.Logger) *Client {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	c := &Client{world: w, log: logger, moves: make(chan mgl64.Vec3, 1)}
	c.sessionID.Store("")
	return c
}

func (c *Client) SessionID() string { return c.sessionID.Load().(string) }

func (c *Client) Stats() Stats {
	return Stats{Installed: c.installed.Load(), Unloaded: c.unloaded.Load(), Rejected: c.rejected.Load()}
}

// MoveTo queues a position update. Only the latest pending position is kept.
func (c *Client) MoveTo(pos mgl64.Vec3) {
	for {
		select {
		case c.moves <- pos:
			return
		default:
		}
		select {
		case <-c.moves:
		default:
		}
	}
}

// Run dials url, subscribes at pos and applies cube messages to the world
// until ctx is cancelled or the server goes away.
func (c *Client) Run(ctx context.Context, url string, pos mgl64.Vec3) error {
	if c.world.Side() != world.SideClient {
		return fmt.Errorf("mirror into %s world: %w", c.world.Side(), world.ErrWrongSide)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	sub, _ := json.Marshal(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Pos:             [3]float64{pos[0], pos[1], pos[2]},
	})
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Writer goroutine.
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))
				_ = conn.Close()
				return
			case p := <-c.moves:
				b, _ := json.Marshal(observerproto.PositionMsg{Type: observerproto.TypePosition, Pos: [3]float64{p[0], p[1], p[2]}})
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return err
		}
		if err := c.apply(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			c.rejected.Add(1)
			c.log.Printf("mirror: %v", err)
		}
	}
}

func (c *Client) apply(ctx context.Context, msg []byte) error {
	var env observerproto.Envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return err
	}
	switch env.Type {
	case observerproto.TypeWelcome:
		var wm observerproto.WelcomeMsg
		if err := json.Unmarshal(msg, &wm); err != nil {
			return err
		}
		c.sessionID.Store(wm.SessionID)
	case observerproto.TypeCubeWatch, observerproto.TypeCubeUpdate:
		var cm observerproto.CubeMsg
		if err := json.Unmarshal(msg, &cm); err != nil {
			return err
		}
		s, err := cm.ToSerialized()
		if err != nil {
			return err
		}
		if err := c.world.RequestInstallCube(ctx, s); err != nil {
			return err
		}
		c.installed.Add(1)
	case observerproto.TypeCubeUnwatch:
		var um observerproto.CubeUnwatchMsg
		if err := json.Unmarshal(msg, &um); err != nil {
			return err
		}
		pos := coords.CubePos{X: um.Pos[0], Y: um.Pos[1], Z: um.Pos[2]}
		if err := c.world.RequestUnloadCube(ctx, pos); err != nil {
			return err
		}
		c.unloaded.Add(1)
	case observerproto.TypeError:
		var em observerproto.ErrorMsg
		_ = json.Unmarshal(msg, &em)
		c.log.Printf("server error %s: %s", em.Code, em.Message)
	}
	return nil
}
