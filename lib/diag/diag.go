// Package diag assembles a point-in-time diagnostics report from the
// node's subsystems. The web admin and the display UI both render it;
// neither reaches into protocol state directly.
package diag

import (
	"time"

	"github.com/go-batt/nowlink/lib/conn"
	"github.com/go-batt/nowlink/lib/peer"
	"github.com/go-batt/nowlink/lib/radio"
	"github.com/go-batt/nowlink/lib/router"
	"github.com/go-batt/nowlink/lib/wire"
)

// Event is one state transition in the report.
type Event struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// Report is the full diagnostics record.
type Report struct {
	Role      string        `json:"role"`
	State     string        `json:"state"`
	Up        bool          `json:"up"`
	Peer      string        `json:"peer,omitempty"`
	Channel   uint8         `json:"channel"`
	Uptime    time.Duration `json:"uptime_ns"`
	Generated time.Time     `json:"generated"`

	QualityPct   int    `json:"quality_pct"`
	HeartbeatSeq uint32 `json:"heartbeat_seq,omitempty"`

	QueueDepth   int    `json:"queue_depth"`
	QueueDropped uint64 `json:"queue_dropped"`
	OutboxDepth  int    `json:"outbox_depth"`
	Unrouted     uint64 `json:"unrouted"`
	Foreign      uint64 `json:"foreign"`
	PeerCount    int    `json:"peer_count"`

	ConfigGlobalVersion uint16   `json:"config_global_version"`
	ConfigSectionNames  []string `json:"config_sections,omitempty"`

	History []Event `json:"history"`
}

// Sources names the subsystems a report is drawn from. Exactly one of
// TX and RX is set, matching the node's role. Nil fields are skipped.
type Sources struct {
	Role      string
	TX        *conn.Transmitter
	RX        *conn.Receiver
	Driver    radio.Driver
	Queue     *radio.Queue
	Peers     *peer.Registry
	Router    *router.Router
	Versions  func() wire.Versions
	StartedAt time.Time
}

// Collect builds a report. Safe to call from any goroutine; every
// source it touches carries its own synchronization.
func Collect(s Sources) Report {
	now := time.Now()
	r := Report{
		Role:      s.Role,
		Generated: now,
		// No outcomes observed reads as full quality.
		QualityPct: 100,
	}
	if !s.StartedAt.IsZero() {
		r.Uptime = now.Sub(s.StartedAt)
	}
	if s.Driver != nil {
		r.Channel = s.Driver.Channel()
	}
	if s.Queue != nil {
		r.QueueDepth = s.Queue.Len()
		r.QueueDropped = s.Queue.Dropped()
	}
	if s.Peers != nil {
		r.PeerCount = s.Peers.Count()
	}
	if s.Router != nil {
		r.Unrouted = s.Router.Unhandled()
		r.Foreign = s.Router.Foreign()
	}
	if s.Versions != nil {
		v := s.Versions()
		r.ConfigGlobalVersion = v.Global
		for sec := wire.SectionMqtt; sec <= wire.SectionSystem; sec++ {
			r.ConfigSectionNames = append(r.ConfigSectionNames, sec.String())
		}
	}

	switch {
	case s.TX != nil:
		st := s.TX.State()
		r.State = st.String()
		r.Up = st.Up()
		if addr, ok := s.TX.Peer(); ok {
			r.Peer = addr.String()
		}
		r.QualityPct = s.TX.Quality()
		r.HeartbeatSeq = s.TX.HeartbeatSeq()
		r.OutboxDepth = s.TX.Outbox().Len()
		r.History = events(s.TX.History())
	case s.RX != nil:
		st := s.RX.State()
		r.State = st.String()
		r.Up = st.Up()
		if addr, ok := s.RX.Peer(); ok {
			r.Peer = addr.String()
		}
		r.History = events(s.RX.History())
	}
	return r
}

func events(h *conn.History) []Event {
	trans := h.Snapshot()
	out := make([]Event, 0, len(trans))
	for _, t := range trans {
		out = append(out, Event{From: t.From.String(), To: t.To.String(), At: t.At})
	}
	return out
}
