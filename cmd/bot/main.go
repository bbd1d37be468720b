package main

import (
	"encoding/json"
	"flag"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"cubeworld.ai/internal/observerproto"
)

// bot subscribes as an observer and wanders, placing an occasional block.
// It exercises streaming under movement.
func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/v1/observer", "observer ws url")
		step  = flag.Float64("step", 24, "max blocks moved per hop")
		every = flag.Duration("every", 2*time.Second, "time between hops")
		block = flag.String("block", "TORCH", "block to place after each hop (empty to disable)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	pos := [3]float64{0, 80, 0}
	if err := conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Pos:             pos,
	}); err != nil {
		logger.Fatalf("send SUBSCRIBE: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	msgs := make(chan []byte, 256)
	go func() {
		defer close(msgs)
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				logger.Printf("read: %v", err)
				return
			}
			msgs <- msg
		}
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	hop := time.NewTicker(*every)
	defer hop.Stop()
	var watched, updates, unwatched int

	for {
		select {
		case <-stop:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var env observerproto.Envelope
			if err := json.Unmarshal(msg, &env); err != nil {
				continue
			}
			switch env.Type {
			case observerproto.TypeWelcome:
				var w observerproto.WelcomeMsg
				if err := json.Unmarshal(msg, &w); err == nil {
					logger.Printf("WELCOME session=%s world=%s tick=%d", w.SessionID, w.WorldID, w.Tick)
				}
			case observerproto.TypeCubeWatch:
				watched++
			case observerproto.TypeCubeUpdate:
				updates++
			case observerproto.TypeCubeUnwatch:
				unwatched++
			case observerproto.TypeAck, observerproto.TypeError:
				logger.Printf("%s", msg)
			}
		case <-hop.C:
			pos[0] += (r.Float64()*2 - 1) * *step
			pos[2] += (r.Float64()*2 - 1) * *step
			if err := conn.WriteJSON(observerproto.PositionMsg{Type: observerproto.TypePosition, Pos: pos}); err != nil {
				logger.Printf("send POSITION: %v", err)
				return
			}
			if *block != "" {
				_ = conn.WriteJSON(observerproto.SetVoxelMsg{
					Type:   observerproto.TypeSetVoxel,
					Pos:    [3]int{int(pos[0]), int(pos[1]), int(pos[2])},
					Block:  *block,
					Reason: "bot",
				})
			}
			logger.Printf("at %.0f,%.0f,%.0f watched=%d updates=%d unwatched=%d", pos[0], pos[1], pos[2], watched, updates, unwatched)
		}
	}
}
