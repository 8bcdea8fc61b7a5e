package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"

	"patch-downloader/internal/catalog"
	"patch-downloader/internal/database"
	"patch-downloader/internal/manifest"
	"patch-downloader/internal/process"
	"patch-downloader/internal/task"
	"patch-downloader/internal/testutil"
	"patch-downloader/internal/workspace"
)

type env struct {
	o       *Orchestrator
	tasks   *task.Registry
	handles *process.Handles
	server  *testutil.ManifestServer
	layout  workspace.Layout
}

type setup struct {
	mode    string
	process func(*process.Config)
	journal *task.Repository
}

func newEnv(t *testing.T, s setup) *env {
	t.Helper()

	logger := log.New()
	logger.SetOutput(io.Discard)

	root := t.TempDir()
	e := &env{
		handles: process.NewHandles(),
		server:  testutil.NewManifestServer(t),
		layout: workspace.Layout{
			WorkDir:      filepath.Join(root, "work"),
			DownloadsDir: filepath.Join(root, "files"),
		},
	}
	if s.journal != nil {
		e.tasks = task.NewRegistry(s.journal)
	} else {
		e.tasks = task.NewRegistry(nil)
	}

	cfg := process.Config{
		Resolver:         &process.Resolver{Tool: "rman-dl", Strategies: []process.Strategy{process.ConfiguredPath(testutil.ToolPath(t))}},
		Fetcher:          manifest.NewFetcher(manifest.Options{Timeout: 5 * time.Second}),
		Layout:           e.layout,
		CDN:              "http://cdn.test/channels/public",
		Workers:          2,
		Timeout:          time.Minute,
		ProgressInterval: 10 * time.Millisecond,
		Env:              testutil.Env(s.mode),
		Logger:           logger,
	}
	if s.process != nil {
		s.process(&cfg)
	}

	opts := Options{
		Layout:  e.layout,
		Catalog: catalog.New(catalog.StaticSource{}, e.server.URL),
		Logger:  logger,
	}
	if s.journal != nil {
		opts.History = s.journal
	}

	e.o = New(e.tasks, e.handles, process.NewSupervisor(cfg, e.tasks, e.handles), opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.o.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	})
	return e
}

func (e *env) start(t *testing.T, name string) string {
	t.Helper()
	id, err := e.o.StartDownload(context.Background(), StartRequest{
		ManifestRef: e.server.ManifestURL(name),
		Language:    "en_us",
	})
	if err != nil {
		t.Fatalf("StartDownload: %v", err)
	}
	return id
}

func (e *env) wait(t *testing.T, id string) task.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := e.o.Wait(ctx, id); err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	rec, ok := e.o.GetProgress(id)
	if !ok {
		t.Fatalf("task %s vanished", id)
	}
	return rec
}

func (e *env) waitRunning(t *testing.T, id string) {
	t.Helper()
	waitFor(t, func() bool {
		_, ok := e.handles.Get(id)
		return ok
	}, "process of "+id+" registered")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestUnknownTask(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	if _, ok := e.o.GetProgress("nope"); ok {
		t.Error("GetProgress found a task that was never started")
	}
	for name, op := range map[string]func(string) error{
		"pause":  e.o.PauseDownload,
		"resume": e.o.ResumeDownload,
		"cancel": e.o.CancelDownload,
	} {
		if err := op("nope"); !errors.Is(err, task.ErrNotFound) {
			t.Errorf("%s(unknown) err = %v, want task.ErrNotFound", name, err)
		}
	}
	if err := e.o.Wait(context.Background(), "nope"); !errors.Is(err, task.ErrNotFound) {
		t.Errorf("Wait(unknown) err = %v, want task.ErrNotFound", err)
	}
}

func TestStartDownload_InvalidInput(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	for _, ref := range []string{"", "   ", "ftp://cdn.test/a.manifest", "http:///a.manifest", "not-in-catalog"} {
		t.Run(ref, func(t *testing.T) {
			_, err := e.o.StartDownload(context.Background(), StartRequest{ManifestRef: ref})
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("StartDownload(%q) err = %v, want ErrInvalidInput", ref, err)
			}
		})
	}
	if n := len(e.o.ListDownloads()); n != 0 {
		t.Errorf("%d tasks created for invalid input", n)
	}
}

func TestStartDownload_Completes(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	id := e.start(t, "patch")
	if _, ok := e.o.GetProgress(id); !ok {
		t.Fatal("task not visible right after StartDownload")
	}

	rec := e.wait(t, id)
	if rec.Status != task.StatusCompleted || rec.Progress != 100 {
		t.Fatalf("record = %s/%v (%s), want completed/100", rec.Status, rec.Progress, rec.Error)
	}
	if rec.EndedAt == nil || rec.EndedAt.Before(rec.StartedAt) {
		t.Errorf("EndedAt = %v, StartedAt = %v", rec.EndedAt, rec.StartedAt)
	}
	if rec.OutputDir != e.layout.OutputDir(id, "") {
		t.Errorf("OutputDir = %q, want per-task default", rec.OutputDir)
	}
	if !workspace.FileExists(filepath.Join(rec.OutputDir, "payload.bin")) {
		t.Error("tool output missing")
	}
	if !workspace.FileExists(workspace.StdoutLog(rec.OutputDir, id)) {
		t.Error("stdout log missing")
	}
}

func TestStartDownload_CustomOutputDir(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})
	out := filepath.Join(t.TempDir(), "League Patches")

	id, err := e.o.StartDownload(context.Background(), StartRequest{
		ManifestRef: e.server.ManifestURL("patch"),
		OutputDir:   out,
	})
	if err != nil {
		t.Fatal(err)
	}
	rec := e.wait(t, id)
	if rec.Status != task.StatusCompleted {
		t.Fatalf("Status = %s (%s)", rec.Status, rec.Error)
	}
	if rec.OutputDir != out || !workspace.FileExists(filepath.Join(out, "payload.bin")) {
		t.Errorf("output not written to %s", out)
	}
}

func TestStartDownload_Concurrent(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})
	const n = 50

	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := e.o.StartDownload(context.Background(), StartRequest{
				ManifestRef: e.server.ManifestURL(fmt.Sprintf("patch-%d", i)),
			})
			if err != nil {
				t.Errorf("StartDownload %d: %v", i, err)
				return
			}
			ids[i] = id
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool, n)
	for _, id := range ids {
		if id == "" || seen[id] {
			t.Fatalf("duplicate or missing id %q", id)
		}
		seen[id] = true
	}

	for _, id := range ids {
		rec := e.wait(t, id)
		if rec.Status != task.StatusCompleted {
			t.Errorf("task %s: status %s (%s)", id, rec.Status, rec.Error)
		}
		if rec.ManifestPath != e.layout.ManifestPath(id) {
			t.Errorf("task %s: ManifestPath = %q", id, rec.ManifestPath)
		}
	}
	if got := len(e.o.ListDownloads()); got != n {
		t.Errorf("ListDownloads() = %d records, want %d", got, n)
	}
	if e.handles.Len() != 0 {
		t.Errorf("%d handles left after all runs finished", e.handles.Len())
	}
}

func TestCancelDownload_Idempotent(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeHang})

	id := e.start(t, "patch")
	e.waitRunning(t, id)

	if err := e.o.CancelDownload(id); err != nil {
		t.Fatalf("CancelDownload: %v", err)
	}
	first, _ := e.o.GetProgress(id)
	if err := e.o.CancelDownload(id); err != nil {
		t.Fatalf("second CancelDownload: %v", err)
	}

	rec := e.wait(t, id)
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindCancelled {
		t.Fatalf("record = %s/%s, want error/cancelled", rec.Status, rec.ErrorKind)
	}
	if rec.EndedAt == nil || !rec.EndedAt.Equal(*first.EndedAt) {
		t.Errorf("EndedAt changed: %v -> %v", first.EndedAt, rec.EndedAt)
	}
	if rec.Error != first.Error {
		t.Errorf("Error overwritten: %q -> %q", first.Error, rec.Error)
	}
	if _, ok := e.handles.Get(id); ok {
		t.Error("process still registered after cancel")
	}
}

func TestCancelDownload_CompletedIsNoop(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	id := e.start(t, "patch")
	done := e.wait(t, id)

	if err := e.o.CancelDownload(id); err != nil {
		t.Fatalf("CancelDownload: %v", err)
	}
	rec, _ := e.o.GetProgress(id)
	if rec.Status != task.StatusCompleted || rec.Error != "" || !rec.EndedAt.Equal(*done.EndedAt) {
		t.Fatalf("completed task changed by cancel: %+v", rec)
	}
	if rec.Version != done.Version || !rec.UpdatedAt.Equal(done.UpdatedAt) {
		t.Errorf("cancel bumped a completed task: version %d -> %d", done.Version, rec.Version)
	}
}

func TestDownload_Timeout(t *testing.T) {
	e := newEnv(t, setup{
		mode:    testutil.ModeHang,
		process: func(c *process.Config) { c.Timeout = 300 * time.Millisecond },
	})

	rec := e.wait(t, e.start(t, "patch"))
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindTimeout {
		t.Fatalf("record = %s/%s (%s), want error/timeout", rec.Status, rec.ErrorKind, rec.Error)
	}
	if e.handles.Len() != 0 {
		t.Error("timed out process still registered")
	}
}

func TestDownload_ToolMissing(t *testing.T) {
	e := newEnv(t, setup{
		mode: testutil.ModeOK,
		process: func(c *process.Config) {
			c.Resolver = &process.Resolver{Tool: "rman-dl", Strategies: []process.Strategy{
				process.ConfiguredPath(filepath.Join(t.TempDir(), "rman-dl")),
			}}
		},
	})

	rec := e.wait(t, e.start(t, "patch"))
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindToolNotFound {
		t.Fatalf("record = %s/%s, want error/tool_not_found", rec.Status, rec.ErrorKind)
	}
	if !strings.Contains(rec.Error, "rman-dl") {
		t.Errorf("Error = %q, want tool name", rec.Error)
	}
}

func TestDownload_ManifestNotFound(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	id, err := e.o.StartDownload(context.Background(), StartRequest{ManifestRef: e.server.URL + "/gone.bin"})
	if err != nil {
		t.Fatal(err)
	}
	rec := e.wait(t, id)
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindManifestFetch {
		t.Fatalf("record = %s/%s, want error/manifest_fetch_failed", rec.Status, rec.ErrorKind)
	}
	if workspace.FileExists(e.layout.ManifestPath(id)) {
		t.Error("manifest file written for a 404")
	}
}

func TestDownload_NonZeroExit(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeFail})

	rec := e.wait(t, e.start(t, "patch"))
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindProcessExit {
		t.Fatalf("record = %s/%s, want error/process_exit", rec.Status, rec.ErrorKind)
	}
	if rec.ExitCode == nil || *rec.ExitCode != testutil.FailExitCode {
		t.Errorf("ExitCode = %v, want %d", rec.ExitCode, testutil.FailExitCode)
	}
}

func TestPauseResume(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeHang})

	id := e.start(t, "patch")
	e.waitRunning(t, id)
	waitFor(t, func() bool {
		rec, _ := e.o.GetProgress(id)
		return rec.Progress > 0
	}, "progress to advance")

	if err := e.o.PauseDownload(id); err != nil {
		t.Fatalf("PauseDownload: %v", err)
	}
	e.wait(t, id)

	paused, _ := e.o.GetProgress(id)
	if paused.Status != task.StatusPaused || paused.EndedAt != nil || paused.Error != "" {
		t.Fatalf("record after pause = %+v", paused)
	}
	time.Sleep(50 * time.Millisecond)
	if again, _ := e.o.GetProgress(id); again.Progress != paused.Progress {
		t.Errorf("progress moved while paused: %v -> %v", paused.Progress, again.Progress)
	}
	if _, ok := e.handles.Get(id); ok {
		t.Error("process still registered while paused")
	}

	if err := e.o.PauseDownload(id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("PauseDownload(paused) err = %v, want ErrInvalidState", err)
	}

	if err := e.o.ResumeDownload(id); err != nil {
		t.Fatalf("ResumeDownload: %v", err)
	}
	resumed, _ := e.o.GetProgress(id)
	if resumed.Attempt != 2 || resumed.Status.Terminal() || resumed.Status == task.StatusPaused {
		t.Fatalf("record after resume = %s attempt %d", resumed.Status, resumed.Attempt)
	}
	if resumed.ManifestRef != paused.ManifestRef || resumed.OutputDir != paused.OutputDir {
		t.Error("resume changed the download parameters")
	}
	e.waitRunning(t, id)

	if err := e.o.ResumeDownload(id); !errors.Is(err, ErrInvalidState) {
		t.Errorf("ResumeDownload(downloading) err = %v, want ErrInvalidState", err)
	}

	if err := e.o.CancelDownload(id); err != nil {
		t.Fatal(err)
	}
	rec := e.wait(t, id)
	if rec.Status != task.StatusError || rec.ErrorKind != task.KindCancelled {
		t.Fatalf("record = %s/%s, want error/cancelled", rec.Status, rec.ErrorKind)
	}
}

func TestResumeKeepsPreviousAttemptOutput(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeHang})

	id := e.start(t, "patch")
	e.waitRunning(t, id)
	if err := e.o.PauseDownload(id); err != nil {
		t.Fatalf("PauseDownload: %v", err)
	}
	paused := e.wait(t, id)

	stderrLog := workspace.StderrLog(paused.OutputDir, id)
	f, err := os.OpenFile(stderrLog, os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("stderr log missing after first attempt: %v", err)
	}
	fmt.Fprintln(f, "attempt 1: chunk 42 failed")
	f.Close()

	if err := e.o.ResumeDownload(id); err != nil {
		t.Fatalf("ResumeDownload: %v", err)
	}
	e.waitRunning(t, id)

	data, err := os.ReadFile(stderrLog)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if !strings.Contains(out, "attempt 1: chunk 42 failed") {
		t.Errorf("stderr log lost the first attempt's output:\n%s", out)
	}
	for _, marker := range []string{process.AttemptMarker + "attempt 1 ", process.AttemptMarker + "attempt 2 "} {
		if !strings.Contains(out, marker) {
			t.Errorf("stderr log missing %q:\n%s", marker, out)
		}
	}
	if first, second := strings.Index(out, "chunk 42"), strings.Index(out, process.AttemptMarker+"attempt 2 "); first > second {
		t.Errorf("second attempt marker precedes first attempt's output:\n%s", out)
	}

	if err := e.o.CancelDownload(id); err != nil {
		t.Fatal(err)
	}
	e.wait(t, id)
}

func TestPauseDuringFetch(t *testing.T) {
	requested := make(chan struct{}, 1)
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested <- struct{}{}
		<-r.Context().Done()
	}))
	defer slow.Close()

	e := newEnv(t, setup{mode: testutil.ModeOK})
	id, err := e.o.StartDownload(context.Background(), StartRequest{ManifestRef: slow.URL + "/slow.manifest"})
	if err != nil {
		t.Fatal(err)
	}
	<-requested

	if err := e.o.PauseDownload(id); err != nil {
		t.Fatalf("PauseDownload: %v", err)
	}
	rec := e.wait(t, id)
	if rec.Status != task.StatusPaused {
		t.Fatalf("Status = %s (%s), want paused", rec.Status, rec.Error)
	}
	if workspace.FileExists(e.layout.ManifestPath(id)) {
		t.Error("manifest saved although the fetch was interrupted")
	}
}

func TestResume_OnlyFromPaused(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeFail})

	id := e.start(t, "patch")
	e.wait(t, id)

	if err := e.o.ResumeDownload(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("ResumeDownload(error) err = %v, want ErrInvalidState", err)
	}
	if err := e.o.PauseDownload(id); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("PauseDownload(error) err = %v, want ErrInvalidState", err)
	}
}

func TestProgressIsMonotonic(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeHang})

	id := e.start(t, "patch")
	e.waitRunning(t, id)

	var prev float64
	for i := 0; i < 40; i++ {
		rec, _ := e.o.GetProgress(id)
		if rec.Progress < prev || rec.Progress > 100 {
			t.Fatalf("progress went from %v to %v", prev, rec.Progress)
		}
		prev = rec.Progress
		time.Sleep(5 * time.Millisecond)
	}
	if prev >= 100 {
		t.Errorf("estimated progress reached %v before the tool exited", prev)
	}
}

func TestShutdown(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeHang})

	ids := []string{e.start(t, "a"), e.start(t, "b"), e.start(t, "c")}
	for _, id := range ids {
		e.waitRunning(t, id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.o.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	for _, id := range ids {
		rec, _ := e.o.GetProgress(id)
		if rec.Status != task.StatusError || rec.ErrorKind != task.KindCancelled {
			t.Errorf("task %s: %s/%s after shutdown", id, rec.Status, rec.ErrorKind)
		}
		if !strings.Contains(rec.Error, "shutting down") {
			t.Errorf("task %s: Error = %q", id, rec.Error)
		}
	}
	if e.handles.Len() != 0 {
		t.Errorf("%d processes left after shutdown", e.handles.Len())
	}

	if _, err := e.o.StartDownload(context.Background(), StartRequest{ManifestRef: e.server.ManifestURL("d")}); !errors.Is(err, ErrClosed) {
		t.Errorf("StartDownload after shutdown err = %v, want ErrClosed", err)
	}
}

func TestCatalogReference(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})

	list, err := e.o.FetchCatalog(context.Background())
	if err != nil {
		t.Fatalf("FetchCatalog: %v", err)
	}
	if len(list) == 0 {
		t.Fatal("empty catalog")
	}

	id, err := e.o.StartDownload(context.Background(), StartRequest{ManifestRef: list[0].ID})
	if err != nil {
		t.Fatalf("StartDownload(%s): %v", list[0].ID, err)
	}
	rec := e.wait(t, id)
	if rec.ManifestRef != list[0].Manifest {
		t.Errorf("ManifestRef = %q, want %q", rec.ManifestRef, list[0].Manifest)
	}
	if rec.Status != task.StatusCompleted {
		t.Errorf("Status = %s (%s)", rec.Status, rec.Error)
	}
}

func TestHistory(t *testing.T) {
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	repo, err := task.NewRepository(db)
	if err != nil {
		t.Fatal(err)
	}

	e := newEnv(t, setup{mode: testutil.ModeOK, journal: repo})
	first := e.start(t, "one")
	e.wait(t, first)
	second := e.start(t, "two")
	e.wait(t, second)

	history, err := e.o.History(context.Background())
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 2 || history[0].ID != second || history[1].ID != first {
		t.Fatalf("History() = %v, want newest first", history)
	}
	for _, rec := range history {
		if rec.Status != task.StatusCompleted {
			t.Errorf("journaled status of %s = %s, want completed", rec.ID, rec.Status)
		}
	}
}

func TestHistory_WithoutJournal(t *testing.T) {
	e := newEnv(t, setup{mode: testutil.ModeOK})
	first := e.start(t, "one")
	e.wait(t, first)
	second := e.start(t, "two")
	e.wait(t, second)

	history, err := e.o.History(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 || history[0].ID != second {
		t.Fatalf("History() not newest first: %v", history)
	}
}
