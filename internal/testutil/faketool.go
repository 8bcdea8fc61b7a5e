// Package testutil provides a stand-in for the external download tool. A test
// binary that calls RunFakeTool from TestMain re-executes itself as the tool
// when the mode variable is set, so tests exercise real process spawning
// without shipping an executable.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

const modeEnv = "PATCHDL_FAKE_TOOL_MODE"

// Fake tool modes.
const (
	// ModeOK checks the manifest exists, writes a payload file and exits 0.
	ModeOK = "ok"
	// ModeFail writes to stderr and exits 3.
	ModeFail = "fail"
	// ModeHang never exits on its own.
	ModeHang = "hang"
	// ModeSlow sleeps for a while and exits 0.
	ModeSlow = "slow"
	// ModeArgs prints its arguments, one per line, and exits 0.
	ModeArgs = "args"
)

// FailExitCode is the exit code used by ModeFail.
const FailExitCode = 3

// RunFakeTool turns the current process into the fake tool when requested and
// never returns in that case. Call it first thing in TestMain.
func RunFakeTool() {
	mode := os.Getenv(modeEnv)
	if mode == "" {
		return
	}
	os.Exit(fakeTool(mode, os.Args[1:]))
}

// Env returns the environment entries selecting mode.
func Env(mode string) []string {
	return []string{modeEnv + "=" + mode}
}

// ToolPath returns the path of the running test binary.
func ToolPath(t testing.TB) string {
	t.Helper()
	p, err := os.Executable()
	if err != nil {
		t.Fatalf("locate test binary: %v", err)
	}
	return p
}

func fakeTool(mode string, args []string) int {
	switch mode {
	case ModeOK:
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: manifest output")
			return 2
		}
		manifest, output := args[len(args)-2], args[len(args)-1]
		if _, err := os.Stat(manifest); err != nil {
			fmt.Fprintf(os.Stderr, "manifest: %v\n", err)
			return 9
		}
		fmt.Fprintln(os.Stdout, "downloading bundles")
		if err := os.WriteFile(filepath.Join(output, "payload.bin"), make([]byte, 1024), 0644); err != nil {
			fmt.Fprintf(os.Stderr, "write payload: %v\n", err)
			return 10
		}
		fmt.Fprintln(os.Stdout, "done")
		return 0
	case ModeFail:
		fmt.Fprintln(os.Stdout, "downloading bundles")
		fmt.Fprintln(os.Stderr, "error: chunk verification failed")
		return FailExitCode
	case ModeHang:
		time.Sleep(time.Hour)
		return 0
	case ModeSlow:
		time.Sleep(300 * time.Millisecond)
		return 0
	case ModeArgs:
		fmt.Fprintln(os.Stdout, strings.Join(args, "\n"))
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown fake tool mode %q\n", mode)
		return 2
	}
}

// ManifestServer serves a fixed manifest body under /<name>.manifest and 404s
// everything else. It counts requests per path.
type ManifestServer struct {
	*httptest.Server

	mu   sync.Mutex
	hits map[string]int
}

// ManifestBody is the payload served for every manifest.
var ManifestBody = []byte{0x52, 0x4d, 0x41, 0x4e, 0x02, 0x00, 0x00, 0x01}

func NewManifestServer(t testing.TB) *ManifestServer {
	t.Helper()
	ms := &ManifestServer{hits: make(map[string]int)}
	ms.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ms.mu.Lock()
		ms.hits[r.URL.Path]++
		ms.mu.Unlock()

		if !strings.HasSuffix(r.URL.Path, ".manifest") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Write(ManifestBody)
	}))
	t.Cleanup(ms.Close)
	return ms
}

// ManifestURL returns the manifest URL for name.
func (ms *ManifestServer) ManifestURL(name string) string {
	return ms.Server.URL + "/" + name + ".manifest"
}

func (ms *ManifestServer) Hits(path string) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hits[path]
}
