package handlers

import (
	"net/http"

	"github.com/churnguard/lake/api/metrics"
)

// BuildVersion is stamped into the binary at link time.
type BuildVersion struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

// Publish exports the build as the build_info gauge.
func (v BuildVersion) Publish() {
	metrics.BuildInfo.WithLabelValues(v.Version, v.Commit, v.Date).Set(1)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := s.cfg.Version
	if v.Version == "" {
		v.Version = "dev"
	}
	writeJSON(w, http.StatusOK, v)
}
