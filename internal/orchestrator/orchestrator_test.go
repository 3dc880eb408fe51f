package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/chunkyard/internal/config"
	"github.com/zulandar/chunkyard/internal/db"
	"github.com/zulandar/chunkyard/internal/fleet"
	"github.com/zulandar/chunkyard/internal/job"
	"github.com/zulandar/chunkyard/internal/layout"
	"github.com/zulandar/chunkyard/internal/splitter"
	"github.com/zulandar/chunkyard/internal/status"
	"github.com/zulandar/chunkyard/internal/storage"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, err := gormDB.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(gormDB); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return gormDB
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("storage:\n  backend: fs\n"))
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Monitor.SplitPollInterval = 5 * time.Millisecond
	cfg.Monitor.ChunkPollInterval = 5 * time.Millisecond
	cfg.Monitor.GracePeriod = 10 * time.Millisecond
	cfg.Monitor.MaxChunks = 10
	cfg.Merge.RetryDelay = time.Millisecond
	cfg.Merge.MaxAttempts = 2
	cfg.Download.BaseURL = "http://cy.test/"
	return cfg
}

type recordingResizer struct {
	mu    sync.Mutex
	sizes []int
}

func (r *recordingResizer) Resize(_ context.Context, size int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, size)
	return nil
}

func (r *recordingResizer) calls() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.sizes...)
}

// fakeSplitter records requests and optionally writes input chunks the way
// the external splitter would.
type fakeSplitter struct {
	mu      sync.Mutex
	reqs    []splitter.Request
	outcome splitter.Outcome
	objects storage.Store
}

func (f *fakeSplitter) Trigger(ctx context.Context, req splitter.Request) splitter.Result {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.mu.Unlock()
	if f.outcome == splitter.OutcomeFailed {
		return splitter.Result{Outcome: splitter.OutcomeFailed, Err: errors.New("connection refused"), At: time.Now()}
	}
	if f.objects != nil {
		for i := 0; i < req.NumChunks; i++ {
			f.objects.Put(ctx, layout.InputChunk(req.JobID, i), strings.NewReader("email\nx@y.z\n"), "text/csv")
		}
	}
	return splitter.Result{Outcome: splitter.OutcomeSent, StatusCode: 202, At: time.Now()}
}

func (f *fakeSplitter) requests() []splitter.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]splitter.Request(nil), f.reqs...)
}

type harness struct {
	o       *Orchestrator
	store   status.Store
	objects *storage.FSStore
	resizer *recordingResizer
	split   *fakeSplitter
	cfg     *config.Config
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	objs, err := storage.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	h := &harness{
		store:   status.NewDBStore(testDB(t), time.Hour),
		objects: objs,
		resizer: &recordingResizer{},
		cfg:     cfg,
	}
	h.split = &fakeSplitter{objects: objs}
	o, err := New(Opts{
		Store:    h.store,
		Objects:  objs,
		Fleet:    fleet.New(fleet.Opts{Resizer: h.resizer, MaxSize: cfg.Fleet.MaxSize}),
		Splitter: h.split,
		Config:   cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.o = o
	t.Cleanup(func() {
		o.Stop()
		o.Wait()
	})
	return h
}

func (h *harness) putOutput(t *testing.T, id string, i int) {
	t.Helper()
	body := fmt.Sprintf("email,result\nuser%d@x.com,valid\n", i)
	if err := h.objects.Put(context.Background(), layout.OutputChunk(id, i), strings.NewReader(body), "text/csv"); err != nil {
		t.Fatalf("put output %d: %v", i, err)
	}
}

// putJob stores a job advanced to st with total chunks, without a monitor.
func (h *harness) putJob(t *testing.T, id string, total int, st job.Status) *job.Job {
	t.Helper()
	now := time.Now()
	j := job.New(id, layout.FullInput(id), total, now, time.Hour)
	for _, step := range []job.Status{job.StatusVerifying, job.StatusMerging, job.StatusDone} {
		if j.Status == st {
			break
		}
		if step == job.StatusVerifying {
			j.SetTotal(total)
		}
		if err := j.Transition(step, now); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.store.Put(context.Background(), j, time.Hour); err != nil {
		t.Fatalf("put job: %v", err)
	}
	return j
}

// wrappedStore delays reads and records the TTL of every write.
type wrappedStore struct {
	status.Store
	getDelay time.Duration

	mu   sync.Mutex
	ttls map[string]time.Duration
}

func (s *wrappedStore) Get(ctx context.Context, id string) (*job.Job, bool, error) {
	time.Sleep(s.getDelay)
	return s.Store.Get(ctx, id)
}

func (s *wrappedStore) Put(ctx context.Context, j *job.Job, ttl time.Duration) error {
	s.mu.Lock()
	if s.ttls == nil {
		s.ttls = make(map[string]time.Duration)
	}
	s.ttls[j.ID] = ttl
	s.mu.Unlock()
	return s.Store.Put(ctx, j, ttl)
}

func (s *wrappedStore) ttl(id string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ttls[id]
}

// signingObjects adds signed URLs to the filesystem store.
type signingObjects struct {
	*storage.FSStore

	mu  sync.Mutex
	ttl time.Duration
}

func (s *signingObjects) SignedURL(name string, ttl time.Duration) (string, error) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
	return "https://signed.test/" + name, nil
}

// newPeer builds another orchestrator over the harness's stores, as a second
// serve replica or a CLI invocation would.
func newPeer(t *testing.T, h *harness, store status.Store, objects storage.Store) *Orchestrator {
	t.Helper()
	o, err := New(Opts{
		Store:    store,
		Objects:  objects,
		Fleet:    fleet.New(fleet.Opts{Resizer: &recordingResizer{}, MaxSize: h.cfg.Fleet.MaxSize}),
		Splitter: h.split,
		Config:   h.cfg,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		o.Stop()
		o.Wait()
	})
	return o
}

func waitForStatus(t *testing.T, h *harness, id string, want job.Status) *View {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		v, err := h.o.Status(context.Background(), id)
		if err == nil && v.Status == want {
			return v
		}
		if time.Now().After(deadline) {
			if err != nil {
				t.Fatalf("status %s: %v", id, err)
			}
			t.Fatalf("job %s status = %s (error %q), want %s", id, v.Status, v.Error, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNew_RequiresCollaborators(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without store")
	}
}

func TestSubmit_RejectsNonCSV(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.o.Submit(context.Background(), "emails.xlsx", strings.NewReader("x"), 4)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("error = %v, want ErrInvalidInput", err)
	}
	jobs, _ := h.o.List(context.Background(), 0)
	if len(jobs) != 0 {
		t.Errorf("job created for rejected upload: %d", len(jobs))
	}
}

func TestSubmit_RejectsChunkBounds(t *testing.T) {
	h := newHarness(t, nil)
	for _, n := range []int{0, -1, 11} {
		_, err := h.o.Submit(context.Background(), "a.csv", strings.NewReader("email\n"), n)
		if !errors.Is(err, ErrInvalidInput) {
			t.Errorf("chunks=%d: error = %v, want ErrInvalidInput", n, err)
		}
	}
}

func TestSubmit_FourChunksEndToEnd(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	sub, err := h.o.Submit(ctx, "Emails.CSV", strings.NewReader("email\na@x.com\n"), 4)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(sub.JobID) != 8 {
		t.Errorf("job id = %q, want 8 chars", sub.JobID)
	}
	if !strings.HasSuffix(sub.InputFile, layout.FullInput(sub.JobID)) {
		t.Errorf("input file = %q", sub.InputFile)
	}
	for i := 0; i < 4; i++ {
		h.putOutput(t, sub.JobID, i)
	}

	v := waitForStatus(t, h, sub.JobID, job.StatusDone)
	if v.Processed() != 4 || v.Total() != 4 {
		t.Errorf("processed/total = %d/%d, want 4/4", v.Processed(), v.Total())
	}
	if v.Progress != "4/4" {
		t.Errorf("progress = %q, want 4/4", v.Progress)
	}
	if v.StartedAt == nil || v.CompletedAt == nil {
		t.Error("lifecycle timestamps not set")
	}
	if !strings.HasSuffix(v.FinalFile, layout.FinalResult(sub.JobID)) {
		t.Errorf("final file = %q", v.FinalFile)
	}
	reqs := h.split.requests()
	if len(reqs) != 1 || reqs[0].NumChunks != 4 || reqs[0].InputObject != layout.FullInput(sub.JobID) {
		t.Errorf("splitter requests = %+v", reqs)
	}

	h.o.Wait()
	if v, _ := h.o.Status(ctx, sub.JobID); v.SplitTrigger == nil || v.SplitTrigger.Outcome != string(splitter.OutcomeSent) {
		t.Errorf("split trigger = %+v", v.SplitTrigger)
	}
	if calls := h.resizer.calls(); len(calls) != 2 || calls[0] != 4 || calls[1] != 0 {
		t.Errorf("resize calls = %v, want [4 0]", calls)
	}
	left, _ := h.objects.List(ctx, layout.Namespace(sub.JobID))
	if len(left) != 0 {
		t.Errorf("namespace not cleaned: %v", left)
	}
	if ok, _ := h.objects.Exists(ctx, layout.FullInput(sub.JobID)); ok {
		t.Error("upload not cleaned")
	}
	rc, err := h.objects.Open(ctx, layout.FinalResult(sub.JobID))
	if err != nil {
		t.Fatalf("open final: %v", err)
	}
	defer rc.Close()
	data, _ := io.ReadAll(rc)
	if strings.Count(string(data), "email,result") != 1 || strings.Count(string(data), "\n") != 5 {
		t.Errorf("final artifact = %q", data)
	}
}

func TestSubmit_SplitTriggerFailureRecorded(t *testing.T) {
	h := newHarness(t, nil)
	h.split.outcome = splitter.OutcomeFailed

	sub, err := h.o.Submit(context.Background(), "a.csv", strings.NewReader("email\n"), 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		v, err := h.o.Status(context.Background(), sub.JobID)
		if err != nil {
			t.Fatal(err)
		}
		if v.SplitTrigger != nil {
			if v.SplitTrigger.Outcome != "failed" || !strings.Contains(v.SplitTrigger.Error, "refused") {
				t.Errorf("split trigger = %+v", v.SplitTrigger)
			}
			if v.Status != job.StatusSplitting {
				t.Errorf("status = %s, want splitting", v.Status)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("split trigger never recorded")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestMonitor_DeadlineFailsJob(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Monitor.JobDeadline = 50 * time.Millisecond })
	h.split.objects = nil // splitter never produces chunks

	sub, err := h.o.Submit(context.Background(), "a.csv", strings.NewReader("email\n"), 2)
	if err != nil {
		t.Fatal(err)
	}
	v := waitForStatus(t, h, sub.JobID, job.StatusFailed)
	if v.Error != "deadline exceeded" {
		t.Errorf("error = %q", v.Error)
	}
	if v.CompletedAt != nil {
		t.Error("failed job should not have completed_at")
	}
}

func TestStop_LeavesJobActive(t *testing.T) {
	h := newHarness(t, nil)
	h.split.objects = nil

	sub, err := h.o.Submit(context.Background(), "a.csv", strings.NewReader("email\n"), 2)
	if err != nil {
		t.Fatal(err)
	}
	h.o.Stop()
	h.o.Wait()
	if h.o.Monitoring(sub.JobID) {
		t.Error("monitor still registered after shutdown")
	}
	v, err := h.o.Status(context.Background(), sub.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if v.Status != job.StatusSplitting {
		t.Errorf("status = %s, want splitting", v.Status)
	}
}

func TestRecordProcessed_OnlyWhileVerifying(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "split1", 3, job.StatusSplitting)

	st, err := h.o.recordProcessed(ctx, "split1", 2)
	if err != nil || st != job.StatusSplitting {
		t.Fatalf("recordProcessed = %s, %v", st, err)
	}
	if n, _ := h.store.Counter(ctx, "split1", status.FieldProcessed); n != 0 {
		t.Errorf("counter bumped while splitting: %d", n)
	}

	h.putJob(t, "ver1", 3, job.StatusVerifying)
	h.o.recordProcessed(ctx, "ver1", 2)
	h.o.recordProcessed(ctx, "ver1", 1)
	if n, _ := h.store.Counter(ctx, "ver1", status.FieldProcessed); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}
}

func TestStatus_ReconcilesLive(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "live1", 3, job.StatusVerifying)
	h.putOutput(t, "live1", 0)
	h.putOutput(t, "live1", 2)

	v, err := h.o.Status(ctx, "live1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Processed() != 2 || v.Progress != "2/3" {
		t.Errorf("processed = %d, progress = %q", v.Processed(), v.Progress)
	}
	if n, _ := h.store.Counter(ctx, "live1", status.FieldProcessed); n != 2 {
		t.Errorf("counter = %d, want 2", n)
	}

	h.objects.Delete(ctx, layout.OutputChunk("live1", 2))
	v, _ = h.o.Status(ctx, "live1")
	if v.Processed() != 2 {
		t.Errorf("processed decreased to %d", v.Processed())
	}
}

func TestStatus_ConcurrentProcessesNeverOvercount(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "multi", 4, job.StatusVerifying)
	for i := 0; i < 4; i++ {
		h.putOutput(t, "multi", i)
	}

	slow := &wrappedStore{Store: h.store, getDelay: 20 * time.Millisecond}
	procs := []*Orchestrator{newPeer(t, h, slow, h.objects), newPeer(t, h, slow, h.objects)}
	views := make([]*View, len(procs))
	errs := make([]error, len(procs))
	var wg sync.WaitGroup
	for i, o := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			views[i], errs[i] = o.Status(ctx, "multi")
		}()
	}
	wg.Wait()

	for i := range procs {
		if errs[i] != nil {
			t.Fatalf("Status[%d]: %v", i, errs[i])
		}
		if views[i].Processed() > 4 {
			t.Errorf("Status[%d] processed/total = %d/%d", i, views[i].Processed(), views[i].Total())
		}
	}
	if n, _ := h.store.Counter(ctx, "multi", status.FieldProcessed); n != 4 {
		t.Errorf("counter = %d, want 4", n)
	}
	v, _ := h.o.Status(ctx, "multi")
	if v.Progress != "4/4" {
		t.Errorf("progress = %q, want 4/4", v.Progress)
	}
}

func TestSubmit_FleetSizedForAllActiveJobs(t *testing.T) {
	h := newHarness(t, nil)
	h.putJob(t, "big", 4, job.StatusVerifying)
	h.o.mu.Lock()
	h.o.monitors["big"] = func() {}
	h.o.mu.Unlock()
	t.Cleanup(func() {
		h.o.mu.Lock()
		delete(h.o.monitors, "big")
		h.o.mu.Unlock()
	})

	sub, err := h.o.Submit(context.Background(), "small.csv", strings.NewReader("email\n"), 2)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	waitForStatus(t, h, sub.JobID, job.StatusVerifying)
	if calls := h.resizer.calls(); len(calls) != 1 || calls[0] != 6 {
		t.Errorf("resize calls = %v, want [6]", calls)
	}
}

func TestFleetDemand_IgnoresFinishedJobs(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "sp", 3, job.StatusSplitting)
	h.putJob(t, "dn", 5, job.StatusDone)
	h.o.mu.Lock()
	h.o.monitors["sp"] = func() {}
	h.o.monitors["dn"] = func() {}
	h.o.monitors["gone"] = func() {}
	h.o.mu.Unlock()
	defer func() {
		h.o.mu.Lock()
		delete(h.o.monitors, "sp")
		delete(h.o.monitors, "dn")
		delete(h.o.monitors, "gone")
		h.o.mu.Unlock()
	}()

	if got := h.o.fleetDemand(ctx, "self", 2); got != 5 {
		t.Errorf("fleetDemand = %d, want 5", got)
	}
}

func TestRetention_ExtendedOnlyWhenDone(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	rec := &wrappedStore{Store: h.store}
	o := newPeer(t, h, rec, h.objects)

	h.putJob(t, "rf", 2, job.StatusVerifying)
	h.putJob(t, "rd", 1, job.StatusVerifying)
	h.putOutput(t, "rd", 0)

	if !o.fail(ctx, "rf", "splitter unreachable") {
		t.Fatal("fail reported no change")
	}
	if err := o.finalize(ctx, "rd"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if ttl := rec.ttl("rf"); ttl != h.cfg.Retention.Active {
		t.Errorf("failed job ttl = %s, want %s", ttl, h.cfg.Retention.Active)
	}
	if ttl := rec.ttl("rd"); ttl != h.cfg.Retention.Done {
		t.Errorf("done job ttl = %s, want %s", ttl, h.cfg.Retention.Done)
	}
}

func TestRedeem_SignedURLShortLived(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	signer := &signingObjects{FSStore: h.objects}
	o := newPeer(t, h, h.store, signer)
	h.putJob(t, "sg", 1, job.StatusDone)

	ref, err := o.Download(ctx, "sg")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	art, err := o.Redeem(ctx, ref.Token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if art.URL != "https://signed.test/"+layout.FinalResult("sg") {
		t.Errorf("url = %q", art.URL)
	}
	signer.mu.Lock()
	ttl := signer.ttl
	signer.mu.Unlock()
	if ttl != h.cfg.Download.SignedURLTTL || ttl >= h.cfg.Download.TTL {
		t.Errorf("signed url ttl = %s, want %s", ttl, h.cfg.Download.SignedURLTTL)
	}
}

func TestStatus_NotFound(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.o.Status(context.Background(), "nope"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("error = %v, want ErrJobNotFound", err)
	}
}

func TestStatus_SplittingProgress(t *testing.T) {
	h := newHarness(t, nil)
	h.putJob(t, "s1", 4, job.StatusSplitting)
	v, err := h.o.Status(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if v.Progress != "0/0" {
		t.Errorf("progress = %q, want 0/0", v.Progress)
	}
}

func TestList_MostRecentFirstCapped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)
	for i := 0; i < 55; i++ {
		j := job.New(fmt.Sprintf("job%02d", i), "x", 1, base.Add(time.Duration(i)*time.Second), time.Hour)
		if err := h.store.Put(ctx, j, time.Hour); err != nil {
			t.Fatal(err)
		}
	}
	views, err := h.o.List(ctx, 500)
	if err != nil {
		t.Fatal(err)
	}
	if len(views) != MaxList {
		t.Fatalf("len = %d, want %d", len(views), MaxList)
	}
	if views[0].ID != "job54" || views[49].ID != "job05" {
		t.Errorf("order: first %s, last %s", views[0].ID, views[49].ID)
	}

	views, _ = h.o.List(ctx, 3)
	if len(views) != 3 {
		t.Errorf("len = %d, want 3", len(views))
	}
}

func TestDownload(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "v1", 2, job.StatusVerifying)
	h.putJob(t, "d1", 2, job.StatusDone)
	h.objects.Put(ctx, layout.FinalResult("d1"), strings.NewReader("email\n"), "text/csv")

	if _, err := h.o.Download(ctx, "v1"); !errors.Is(err, ErrNotReady) {
		t.Errorf("verifying: error = %v, want ErrNotReady", err)
	}
	if _, err := h.o.Download(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing: error = %v, want ErrJobNotFound", err)
	}

	ref, err := h.o.Download(ctx, "d1")
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if ref.URL != "http://cy.test/files/"+ref.Token {
		t.Errorf("url = %q", ref.URL)
	}
	if d := time.Until(ref.ExpiresAt); d < 14*time.Minute || d > 16*time.Minute {
		t.Errorf("expires in %s, want ~15m", d)
	}

	art, err := h.o.Redeem(ctx, ref.Token)
	if err != nil {
		t.Fatalf("Redeem: %v", err)
	}
	if art.JobID != "d1" || art.Name != layout.FinalResult("d1") || art.URL != "" {
		t.Errorf("artifact = %+v", art)
	}
	rc, err := h.o.OpenArtifact(ctx, art)
	if err != nil {
		t.Fatalf("OpenArtifact: %v", err)
	}
	rc.Close()

	if _, err := h.o.Redeem(ctx, ref.Token); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("second redeem: error = %v, want ErrTokenInvalid", err)
	}
}

func TestFinalize_MergeFailureMarksFailed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "mf", 2, job.StatusVerifying)
	h.putOutput(t, "mf", 0)

	if err := h.o.finalize(ctx, "mf"); err == nil {
		t.Fatal("expected merge error")
	}
	v, _ := h.o.Status(ctx, "mf")
	if v.Status != job.StatusFailed || !strings.Contains(v.Error, "chunk missing") {
		t.Errorf("status = %s, error = %q", v.Status, v.Error)
	}
}

func TestFinalize_AttachesStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "st", 1, job.StatusVerifying)
	h.putOutput(t, "st", 0)
	if err := h.o.RecordStats(ctx, "st", map[string]int64{"valid": 3, "invalid": 1}); err != nil {
		t.Fatal(err)
	}

	if err := h.o.finalize(ctx, "st"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	v, _ := h.o.Status(ctx, "st")
	if v.Status != job.StatusDone || v.Stats["valid"] != 3 || v.Stats["invalid"] != 1 {
		t.Errorf("status = %s, stats = %v", v.Status, v.Stats)
	}
	// Finalizing again is a no-op.
	if err := h.o.finalize(ctx, "st"); err != nil {
		t.Errorf("second finalize: %v", err)
	}
}

func TestMerge_Operator(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.putJob(t, "sp", 2, job.StatusSplitting)
	if _, err := h.o.Merge(ctx, "sp"); !errors.Is(err, ErrNotReady) {
		t.Errorf("splitting: error = %v, want ErrNotReady", err)
	}

	h.putJob(t, "ver", 2, job.StatusVerifying)
	h.putOutput(t, "ver", 0)
	if _, err := h.o.Merge(ctx, "ver"); !errors.Is(err, ErrNotReady) {
		t.Errorf("incomplete: error = %v, want ErrNotReady", err)
	}
	h.putOutput(t, "ver", 1)
	v, err := h.o.Merge(ctx, "ver")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if v.Status != job.StatusDone || v.Progress != "2/2" {
		t.Errorf("status = %s, progress = %q", v.Status, v.Progress)
	}

	// Chunks are gone after cleanup; the done job is reported unchanged.
	final := v.FinalFile
	v, err = h.o.Merge(ctx, "ver")
	if err != nil {
		t.Fatalf("Merge after cleanup: %v", err)
	}
	if v.Status != job.StatusDone || v.FinalFile != final {
		t.Errorf("after cleanup: status = %s, final = %q, want done %q", v.Status, v.FinalFile, final)
	}
	if ok, _ := h.objects.Exists(ctx, layout.FinalResult("ver")); !ok {
		t.Error("final artifact lost by re-merge after cleanup")
	}

	if _, err := h.o.Merge(ctx, "ghost"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing: error = %v", err)
	}
}

func TestMerge_OperatorRemergesDoneJob(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "dn", 2, job.StatusDone)
	h.putOutput(t, "dn", 0)
	h.putOutput(t, "dn", 1)

	v, err := h.o.Merge(ctx, "dn")
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if v.Status != job.StatusDone || v.FinalFile == "" {
		t.Errorf("status = %s, final = %q", v.Status, v.FinalFile)
	}
	if ok, _ := h.objects.Exists(ctx, layout.FinalResult("dn")); !ok {
		t.Error("final artifact not written")
	}
}

func TestRecordStats(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "rs", 2, job.StatusVerifying)

	h.o.RecordStats(ctx, "rs", map[string]int64{"valid": 2})
	h.o.RecordStats(ctx, "rs", map[string]int64{"valid": 5, "risky": 1})
	v, _ := h.o.Status(ctx, "rs")
	if v.Stats["valid"] != 7 || v.Stats["risky"] != 1 {
		t.Errorf("stats = %v", v.Stats)
	}

	if err := h.o.RecordStats(ctx, "rs", nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty: error = %v", err)
	}
	if err := h.o.RecordStats(ctx, "rs", map[string]int64{"a:b": 1}); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("bad name: error = %v", err)
	}
	if err := h.o.RecordStats(ctx, "ghost", map[string]int64{"valid": 1}); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("missing: error = %v", err)
	}
}

func TestScaleDownIfIdle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.putJob(t, "other", 2, job.StatusVerifying)

	h.o.mu.Lock()
	h.o.monitors["other"] = func() {}
	h.o.mu.Unlock()

	h.o.scaleDownIfIdle(ctx, "self")
	if calls := h.resizer.calls(); len(calls) != 0 {
		t.Errorf("scaled down with active job: %v", calls)
	}

	h.putJob(t, "other", 2, job.StatusDone)
	h.o.scaleDownIfIdle(ctx, "self")
	if calls := h.resizer.calls(); len(calls) != 1 || calls[0] != 0 {
		t.Errorf("resize calls = %v, want [0]", calls)
	}

	h.o.mu.Lock()
	delete(h.o.monitors, "other")
	h.o.mu.Unlock()
}

func TestResume(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.putJob(t, "res", 2, job.StatusVerifying)
	h.putOutput(t, "res", 0)
	h.putOutput(t, "res", 1)
	h.putJob(t, "old", 2, job.StatusDone)

	expired := job.New("exp", "x", 2, time.Now().Add(-2*time.Hour), time.Hour)
	h.store.Put(ctx, expired, time.Hour)

	n, err := h.o.Resume(ctx)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if n != 1 {
		t.Errorf("resumed = %d, want 1", n)
	}
	waitForStatus(t, h, "res", job.StatusDone)

	v, _ := h.o.Status(ctx, "exp")
	if v.Status != job.StatusFailed || v.Error != "deadline exceeded" {
		t.Errorf("expired job: status = %s, error = %q", v.Status, v.Error)
	}
}

func TestResume_MergingJob(t *testing.T) {
	h := newHarness(t, nil)
	h.putJob(t, "mg", 1, job.StatusMerging)
	h.putOutput(t, "mg", 0)

	if _, err := h.o.Resume(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitForStatus(t, h, "mg", job.StatusDone)
}

func TestSweep(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	expired := job.New("sw", "x", 2, time.Now().Add(-2*time.Hour), time.Hour)
	h.store.Put(ctx, expired, time.Hour)
	h.putJob(t, "fresh", 2, job.StatusVerifying)

	rep, err := h.o.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Failed != 1 {
		t.Errorf("failed = %d, want 1", rep.Failed)
	}
	v, _ := h.o.Status(ctx, "fresh")
	if v.Status != job.StatusVerifying {
		t.Errorf("fresh job status = %s", v.Status)
	}

	rep, _ = h.o.Sweep(ctx)
	if rep.Failed != 0 {
		t.Errorf("second sweep failed = %d, want 0", rep.Failed)
	}
}

func TestParseSchedule(t *testing.T) {
	for _, expr := range []string{"@every 1m", "*/5 * * * *", "@hourly"} {
		if _, err := ParseSchedule(expr); err != nil {
			t.Errorf("ParseSchedule(%q): %v", expr, err)
		}
	}
	if _, err := ParseSchedule("sometimes"); err == nil {
		t.Error("expected error for bad schedule")
	}
}

func TestRunSweeper_StopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.o.RunSweeper(ctx, "@every 1h") }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("RunSweeper = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("RunSweeper did not stop")
	}

	if err := h.o.RunSweeper(context.Background(), "nope"); err == nil {
		t.Error("expected schedule error")
	}
}
