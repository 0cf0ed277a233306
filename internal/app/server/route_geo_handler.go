package server

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"geocountry/internal/jobs/runtime"
)

type statusResponse struct {
	Ready        bool       `json:"ready"`
	IPv4Ranges   int        `json:"ipv4Ranges"`
	IPv6Ranges   int        `json:"ipv6Ranges"`
	LastUpdate   *time.Time `json:"lastUpdate"`
	ShouldUpdate bool       `json:"shouldUpdate"`
	Nodes        int        `json:"nodes,omitempty"`
	Node         string     `json:"node,omitempty"`
}

func (h *handlers) getCountry(w http.ResponseWriter, r *http.Request) {
	if result, ok := CountryFromContext(r.Context()); ok {
		writeJSON(w, http.StatusOK, result)
		return
	}
	if h.deps.Resolver == nil {
		writeError(w, "Resolver unavailable", http.StatusServiceUnavailable)
		return
	}

	query := r.URL.Query()
	writeJSON(w, http.StatusOK, h.deps.Resolver.Resolve(query.Get("latitude"), query.Get("longitude"), r))
}

func (h *handlers) getStatus(w http.ResponseWriter, r *http.Request) {
	db := h.deps.Database
	if db == nil {
		writeError(w, "Range database unavailable", http.StatusServiceUnavailable)
		return
	}

	ipv4, ipv6 := db.Counts()
	resp := statusResponse{
		Ready:        db.Ready(),
		IPv4Ranges:   ipv4,
		IPv6Ranges:   ipv6,
		ShouldUpdate: db.ShouldUpdate(),
	}
	if last, ok := db.LastUpdate(); ok {
		resp.LastUpdate = &last
	}

	if h.deps.Nodes != nil {
		resp.Node = runtime.NodeID()
		nodes, err := h.deps.Nodes(r.Context())
		if err != nil {
			log.Warn("Could not count active nodes", "error", err)
		} else {
			resp.Nodes = nodes
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// triggerUpdate starts a forced range update in the background. Concurrent
// triggers share one download.
func (h *handlers) triggerUpdate(w http.ResponseWriter, r *http.Request) {
	if h.deps.AdminToken == "" {
		writeError(w, "Manual updates are disabled", http.StatusForbidden)
		return
	}
	if !validAdminToken(r.Header.Get("Authorization"), h.deps.AdminToken) {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	if h.deps.Updater == nil {
		writeError(w, "Updater unavailable", http.StatusServiceUnavailable)
		return
	}

	ctx := context.WithoutCancel(r.Context())
	go func() {
		_ = runtime.RunRangeUpdate(ctx, h.deps.Updater, h.deps.Database, "manual", true)
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "update started"})
}

func validAdminToken(header, want string) bool {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token != "" && subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}
