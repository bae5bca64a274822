// Command mockorigin is a throwaway origin server for local development
// and integration tests: it answers any GET with a synthetic JSON payload
// derived from the request path, mirroring origin_api.py's mock_endpoint.
// It is never linked into the cachewarp binary itself.
package main

import (
	"encoding/json"
	"flag"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var addrFlag string

func init() {
	flag.StringVar(&addrFlag, "addr", ":9090", "Address to listen on")
}

type mockResponse struct {
	Data string `json:"data"`
	Path string `json:"path"`
}

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	r := chi.NewRouter()
	r.Get("/*", handleMock)

	log.Info().Str("addr", addrFlag).Msg("mockorigin listening")
	if err := http.ListenAndServe(addrFlag, r); err != nil {
		log.Fatal().Err(err).Msg("mockorigin failed")
	}
}

func handleMock(w http.ResponseWriter, r *http.Request) {
	p := strings.TrimPrefix(r.URL.Path, "/")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(mockResponse{
		Data: "response_from_origin_for_" + p,
		Path: p,
	})
}
