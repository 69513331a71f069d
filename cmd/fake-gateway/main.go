package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

const tokenHeader = "X-Server-Token"

var (
	failFirstN    = 0
	reqCount      = 0
	serverToken   = ""
	responseDelay time.Duration
	rejectList    = map[string]bool{}
)

type emailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

func main() {
	// Simulate flakiness: first N requests answer 500
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			failFirstN = n
		}
	}
	if v := os.Getenv("SERVER_TOKEN"); v != "" {
		serverToken = v
	}
	if v := os.Getenv("RESPONSE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			responseDelay = d
		}
	}
	// Addresses that always get a permanent 422, like a suppressed recipient
	if v := os.Getenv("REJECT_ADDRESSES"); v != "" {
		for _, addr := range strings.Split(v, ",") {
			rejectList[strings.TrimSpace(addr)] = true
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/email", handleEmail)

	addr := ":8084"
	log.Printf("fake-gateway listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

func handleEmail(w http.ResponseWriter, r *http.Request) {
	reqCount++

	if responseDelay > 0 {
		time.Sleep(responseDelay)
	}

	if serverToken != "" && r.Header.Get(tokenHeader) != serverToken {
		log.Printf("fake-gateway rejected request: bad server token")
		http.Error(w, "invalid server token", http.StatusUnauthorized)
		return
	}

	var req emailRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.From == "" || req.To == "" || req.Subject == "" {
		http.Error(w, "From, To and Subject are required", http.StatusUnprocessableEntity)
		return
	}

	if rejectList[req.To] {
		log.Printf("fake-gateway REJECT to=%s (suppressed address)", req.To)
		http.Error(w, "recipient address is inactive", http.StatusUnprocessableEntity)
		return
	}

	if reqCount <= failFirstN {
		log.Printf("fake-gateway FAILING (%d/%d) to=%s subject=%q", reqCount, failFirstN, req.To, truncate(req.Subject, 80))
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}

	log.Printf("fake-gateway OK to=%s subject=%q body=%q", req.To, truncate(req.Subject, 80), truncate(req.TextBody, 160))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"To":          req.To,
		"SubmittedAt": time.Now().UTC().Format(time.RFC3339),
		"ErrorCode":   0,
		"Message":     "OK",
	})
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
