package main

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"cubeworld.ai/internal/sim/world"
	"cubeworld.ai/internal/transport/observer"
	"cubeworld.ai/internal/transport/ws"
)

// writeMetrics renders the Prometheus text exposition format.
func writeMetrics(rw io.Writer, worldID string, m world.WorldMetrics, obs *observer.Server, mirror *ws.Client) {
	gauge := func(name, help string) {
		fmt.Fprintf(rw, "# HELP cubeworld_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE cubeworld_%s gauge\n", name)
	}
	counter := func(name, help string) {
		fmt.Fprintf(rw, "# HELP cubeworld_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE cubeworld_%s counter\n", name)
	}

	gauge("world_tick", "Current world tick.")
	fmt.Fprintf(rw, "cubeworld_world_tick{world=%q,side=%q} %d\n", worldID, m.Side, m.Tick)

	gauge("world_step_ms", "Last tick step duration in milliseconds.")
	fmt.Fprintf(rw, "cubeworld_world_step_ms{world=%q} %.3f\n", worldID, m.StepMS)

	gauge("world_columns", "Columns with at least one resident cube.")
	fmt.Fprintf(rw, "cubeworld_world_columns{world=%q} %d\n", worldID, m.Columns)

	gauge("cache_cubes", "Cache entries by state.")
	fmt.Fprintf(rw, "cubeworld_cache_cubes{world=%q,state=%q} %d\n", worldID, "entries", m.Cache.Entries)
	fmt.Fprintf(rw, "cubeworld_cache_cubes{world=%q,state=%q} %d\n", worldID, "resident", m.Cache.Resident)
	fmt.Fprintf(rw, "cubeworld_cache_cubes{world=%q,state=%q} %d\n", worldID, "pending", m.Cache.Pending)
	fmt.Fprintf(rw, "cubeworld_cache_cubes{world=%q,state=%q} %d\n", worldID, "in_flight", m.Cache.InFlight)
	fmt.Fprintf(rw, "cubeworld_cache_cubes{world=%q,state=%q} %d\n", worldID, "faulted", m.Cache.Faulted)

	counter("cache_ops_total", "Cache pipeline operations.")
	fmt.Fprintf(rw, "cubeworld_cache_ops_total{world=%q,op=%q} %d\n", worldID, "generated", m.Cache.Generated)
	fmt.Fprintf(rw, "cubeworld_cache_ops_total{world=%q,op=%q} %d\n", worldID, "loaded", m.Cache.Loaded)
	fmt.Fprintf(rw, "cubeworld_cache_ops_total{world=%q,op=%q} %d\n", worldID, "saved", m.Cache.Saved)
	fmt.Fprintf(rw, "cubeworld_cache_ops_total{world=%q,op=%q} %d\n", worldID, "evicted", m.Cache.Evicted)
	fmt.Fprintf(rw, "cubeworld_cache_ops_total{world=%q,op=%q} %d\n", worldID, "data_loss", m.Cache.DataLoss)

	gauge("light_backlog", "Outstanding light work.")
	fmt.Fprintf(rw, "cubeworld_light_backlog{world=%q,kind=%q} %d\n", worldID, "queued", m.Light.Queued)
	fmt.Fprintf(rw, "cubeworld_light_backlog{world=%q,kind=%q} %d\n", worldID, "dirty_cubes", m.Light.DirtyCubes)
	fmt.Fprintf(rw, "cubeworld_light_backlog{world=%q,kind=%q} %d\n", worldID, "parked", m.Light.Parked)
	counter("light_processed_total", "Light updates processed.")
	fmt.Fprintf(rw, "cubeworld_light_processed_total{world=%q} %d\n", worldID, m.Light.Processed)

	gauge("watch_observers", "Registered observers.")
	fmt.Fprintf(rw, "cubeworld_watch_observers{world=%q} %d\n", worldID, m.Watch.Observers)
	gauge("watch_cubes", "Watched and sent (observer, cube) pairs.")
	fmt.Fprintf(rw, "cubeworld_watch_cubes{world=%q,state=%q} %d\n", worldID, "watched", m.Watch.Watched)
	fmt.Fprintf(rw, "cubeworld_watch_cubes{world=%q,state=%q} %d\n", worldID, "sent", m.Watch.Sent)
	counter("watch_events_total", "Observer events by outcome.")
	fmt.Fprintf(rw, "cubeworld_watch_events_total{world=%q,outcome=%q} %d\n", worldID, "emitted", m.Watch.Emitted)
	fmt.Fprintf(rw, "cubeworld_watch_events_total{world=%q,outcome=%q} %d\n", worldID, "dropped", m.Watch.Dropped)

	gauge("world_queue_depth", "Channel backlog depth.")
	fmt.Fprintf(rw, "cubeworld_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "join", m.QueueDepths.Join)
	fmt.Fprintf(rw, "cubeworld_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "move", m.QueueDepths.Move)
	fmt.Fprintf(rw, "cubeworld_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "leave", m.QueueDepths.Leave)
	fmt.Fprintf(rw, "cubeworld_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "edit", m.QueueDepths.Edit)
	fmt.Fprintf(rw, "cubeworld_world_queue_depth{world=%q,queue=%q} %d\n", worldID, "install", m.QueueDepths.Install)

	if obs != nil {
		s := obs.Stats()
		gauge("observer_sessions", "Open observer websocket sessions.")
		fmt.Fprintf(rw, "cubeworld_observer_sessions %d\n", s.Sessions)
		counter("observer_messages_total", "Messages written to observer sessions.")
		fmt.Fprintf(rw, "cubeworld_observer_messages_total %d\n", s.MessagesSent)
		counter("observer_encode_errors_total", "Events that failed to encode.")
		fmt.Fprintf(rw, "cubeworld_observer_encode_errors_total %d\n", s.EncodeErrors)
	}
	if mirror != nil {
		s := mirror.Stats()
		counter("mirror_cubes_total", "Cube messages applied from upstream.")
		fmt.Fprintf(rw, "cubeworld_mirror_cubes_total{op=%q} %d\n", "installed", s.Installed)
		fmt.Fprintf(rw, "cubeworld_mirror_cubes_total{op=%q} %d\n", "unloaded", s.Unloaded)
		fmt.Fprintf(rw, "cubeworld_mirror_cubes_total{op=%q} %d\n", "rejected", s.Rejected)
	}
}

func isLoopback(r *http.Request) bool {
	host := r.RemoteAddr
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.Trim(host, "[]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
