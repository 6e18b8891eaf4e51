package dashboard

import (
	"log"
	"sync"
	"time"

	"github.com/steveyegge/journalsync/internal/record"
	"github.com/steveyegge/journalsync/internal/session"
	"github.com/steveyegge/journalsync/internal/syncer"
)

// RecordSyncedData is the payload of a record_synced message.
type RecordSyncedData struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Kind      string    `json:"kind,omitempty"`
	Deleted   bool      `json:"deleted,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NetworkChangeData is the payload of a network_change message.
type NetworkChangeData struct {
	Online bool `json:"online"`
}

// Totals accumulates sync activity since the handler was created.
type Totals struct {
	Cycles    int       `json:"cycles"`
	Pushed    int       `json:"pushed"`
	Applied   int       `json:"applied"`
	Conflicts int       `json:"conflicts"`
	Failures  int       `json:"failures"`
	Online    bool      `json:"online"`
	Account   string    `json:"account"`
	LastCycle time.Time `json:"last_cycle,omitempty"`
}

// Handler turns orchestrator, network and session events into dashboard
// messages. It implements syncer.Observer.
type Handler struct {
	server *Server
	logger *log.Logger

	mu     sync.Mutex
	totals Totals
}

var _ syncer.Observer = (*Handler)(nil)

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.Default()
	}
	return &Handler{server: server, logger: logger}
}

// CycleComplete broadcasts a cycle report followed by updated totals.
func (h *Handler) CycleComplete(report syncer.CycleReport) {
	h.mu.Lock()
	h.totals.Cycles++
	h.totals.Pushed += report.Pushed
	h.totals.Applied += report.Applied
	h.totals.Conflicts += report.Conflicts
	h.totals.Failures += report.PushFailed
	if report.PullFailed || report.Error != "" {
		h.totals.Failures++
	}
	h.totals.LastCycle = report.Started.Add(report.Duration)
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeCycleComplete, report)
	h.broadcastTotals()
}

// RecordSynced broadcasts a single delivery.
func (h *Handler) RecordSynced(rec *record.Record) {
	h.server.BroadcastData(MessageTypeRecordSynced, RecordSyncedData{
		ID:        rec.ID,
		OwnerID:   rec.OwnerID,
		Kind:      rec.Kind,
		Deleted:   rec.Deleted,
		UpdatedAt: rec.UpdatedAt,
	})
}

// OnNetworkChange is suitable for netmon.Monitor.Subscribe.
func (h *Handler) OnNetworkChange(online bool) {
	h.logger.Printf("Network %s", map[bool]string{true: "online", false: "offline"}[online])

	h.mu.Lock()
	h.totals.Online = online
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeNetworkChange, NetworkChangeData{Online: online})
	h.broadcastTotals()
}

// OnSessionChange is suitable for session.Guard.OnChange.
func (h *Handler) OnSessionChange(c session.Change) {
	h.mu.Lock()
	h.totals.Account = c.To
	h.mu.Unlock()

	h.server.BroadcastData(MessageTypeSessionChange, c)
	h.broadcastTotals()
}

// Totals returns a copy of the accumulated totals.
func (h *Handler) Totals() Totals {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totals
}

func (h *Handler) broadcastTotals() {
	h.server.BroadcastData(MessageTypeStats, h.Totals())
}
