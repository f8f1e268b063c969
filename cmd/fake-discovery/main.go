// fake-discovery stands in for the email discovery service in local runs. It
// answers GET /v1/discover with a deterministic address derived from the
// website and can be told to fail the first N requests.
package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
)

type result struct {
	Email    string `json:"email"`
	Source   string `json:"source"`
	Verified bool   `json:"verified"`
}

type server struct {
	failFirstN int64
	reqCount   atomic.Int64
	// websites containing this substring get a 404
	missMarker string
}

func main() {
	s := &server{missMarker: "nomail"}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			s.failFirstN = n
		}
	}
	if v := os.Getenv("MISS_MARKER"); v != "" {
		s.missMarker = v
	}

	addr := ":8090"
	if v := os.Getenv("PORT"); v != "" {
		addr = ":" + strings.TrimPrefix(v, ":")
	}
	log.Printf("fake-discovery listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, s.routes()))
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/v1/discover", s.handleDiscover)
	return mux
}

func (s *server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	n := s.reqCount.Add(1)
	if n <= s.failFirstN {
		log.Printf("FAILING (%d/%d) %s", n, s.failFirstN, r.URL.RawQuery)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	website := r.URL.Query().Get("website")
	domain := domainOf(website)
	if domain == "" {
		http.Error(w, "website is required", http.StatusBadRequest)
		return
	}
	if s.missMarker != "" && strings.Contains(domain, s.missMarker) {
		http.NotFound(w, r)
		return
	}

	local := "info"
	source := "guessed"
	if first := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("first_name"))); first != "" {
		local = first
		source = "discovered"
	}
	res := result{Email: local + "@" + domain, Source: source, Verified: source == "discovered"}
	log.Printf("fake-discovery OK %s -> %s", website, res.Email)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(res)
}

// domainOf strips scheme, path and a leading www. from a website
func domainOf(website string) string {
	d := strings.ToLower(strings.TrimSpace(website))
	d = strings.TrimPrefix(d, "https://")
	d = strings.TrimPrefix(d, "http://")
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	return strings.TrimPrefix(d, "www.")
}
