package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/jkaninda/scratchd/internal/toolchain"
)

// CompilerInfo is one entry of the compilers view, keyed by toolchain id.
type CompilerInfo struct {
	Platform string   `json:"platform,omitempty"`
	Arch     string   `json:"arch"`
	Compiler string   `json:"compiler"`
	Version  string   `json:"version"`
	Flags    []string `json:"flags,omitempty"`
}

// PlatformInfo is one entry of the platforms view, keyed by platform id.
type PlatformInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Arch        string `json:"arch"`
}

// CompilersResponse is the body of GET /v1/compilers.
type CompilersResponse struct {
	Compilers map[string]CompilerInfo `json:"compilers"`
	Platforms map[string]PlatformInfo `json:"platforms"`
}

func compilersView(tcs Toolchains) CompilersResponse {
	resp := CompilersResponse{
		Compilers: make(map[string]CompilerInfo),
		Platforms: make(map[string]PlatformInfo),
	}
	if tcs == nil {
		return resp
	}
	for _, tc := range tcs.Toolchains() {
		resp.Compilers[tc.ID] = compilerInfo(tc)
	}
	for _, p := range tcs.Platforms() {
		resp.Platforms[p.ID] = PlatformInfo{Name: p.Name, Description: p.Description, Arch: p.Arch}
	}
	return resp
}

func compilerInfo(tc toolchain.Toolchain) CompilerInfo {
	return CompilerInfo{
		Platform: tc.Platform,
		Arch:     tc.Arch,
		Compiler: tc.Compiler,
		Version:  tc.Version,
		Flags:    tc.Flags,
	}
}

// compilersHandler serves the compilers view. The registry never changes
// while the process runs, so the body is built once and Last-Modified is
// the boot time.
func (g *Gateway) compilersHandler() http.Handler {
	body, err := json.Marshal(compilersView(g.toolchains))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err != nil {
			writeError(w, http.StatusInternalServerError, "encoding compilers failed")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		http.ServeContent(w, r, "", g.bootTime, bytes.NewReader(body))
	})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: msg})
}
