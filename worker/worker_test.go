package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jupark12/recipe-ingest/gateway"
	"github.com/jupark12/recipe-ingest/models"
	"github.com/jupark12/recipe-ingest/notify"
	"github.com/jupark12/recipe-ingest/queue"
	"github.com/jupark12/recipe-ingest/recipes"
	"github.com/jupark12/recipe-ingest/stage"
	"github.com/jupark12/recipe-ingest/store"
)

type scraperFunc func(ctx context.Context, url string) (*models.ScrapedContent, error)

func (f scraperFunc) Scrape(ctx context.Context, url string) (*models.ScrapedContent, error) {
	return f(ctx, url)
}

type analyzerFunc func(ctx context.Context, c *models.ScrapedContent) (*models.Recipe, error)

func (f analyzerFunc) Analyze(ctx context.Context, c *models.ScrapedContent) (*models.Recipe, error) {
	return f(ctx, c)
}

var pastaCaption = scraperFunc(func(_ context.Context, url string) (*models.ScrapedContent, error) {
	return &models.ScrapedContent{URL: url, Caption: "Homemade pasta! 200g flour, 2 eggs. Mix and boil."}, nil
})

var homemadePasta = analyzerFunc(func(context.Context, *models.ScrapedContent) (*models.Recipe, error) {
	return &models.Recipe{
		Name:        "Homemade Pasta",
		Ingredients: []models.Ingredient{{Name: "flour", Amount: "200g"}, {Name: "eggs", Amount: "2"}},
		Steps:       []string{"Mix", "Boil"},
	}, nil
})

type harness struct {
	t       *testing.T
	jobs    *store.MemoryStore
	q       *queue.JobQueue
	recipes *recipes.MemoryStore
	gw      *gateway.Gateway
	events  chan notify.Event
	cfg     Config
}

func newHarness(t *testing.T, lease time.Duration) *harness {
	t.Helper()
	jobs, err := store.NewMemoryStore("", nil)
	if err != nil {
		t.Fatal(err)
	}
	q := queue.NewJobQueue(lease)
	return &harness{
		t:       t,
		jobs:    jobs,
		q:       q,
		recipes: recipes.NewMemoryStore(),
		gw:      gateway.New(jobs, q, nil),
		events:  make(chan notify.Event, 16),
		cfg: Config{
			MaxAttempts:    3,
			BaseDelay:      time.Millisecond,
			MaxDelay:       4 * time.Millisecond,
			PersistTimeout: time.Second,
			NotifyTimeout:  time.Second,
			PollInterval:   5 * time.Millisecond,
		},
	}
}

func (h *harness) deps(s stage.Scraper, a stage.Analyzer, scrapeTimeout time.Duration) Deps {
	return Deps{
		Jobs:    h.jobs,
		Queue:   h.q,
		Scrape:  stage.NewScrapeExecutor(s, scrapeTimeout),
		Analyze: stage.NewAnalyzeExecutor(a, time.Second),
		Recipes: h.recipes,
		Notifier: notify.Func(func(_ context.Context, ev notify.Event) error {
			h.events <- ev
			return nil
		}),
	}
}

func (h *harness) submit(url string) string {
	h.t.Helper()
	id, err := h.gw.Submit(context.Background(), gateway.SubmitRequest{RequesterID: "u1", SourceURL: url})
	if err != nil {
		h.t.Fatalf("Submit() error = %v", err)
	}
	return id
}

func (h *harness) dequeue() *queue.Delivery {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := h.q.Dequeue(ctx)
	if err != nil {
		h.t.Fatalf("Dequeue() error = %v", err)
	}
	return d
}

func (h *harness) get(id string) *models.Job {
	h.t.Helper()
	job, err := h.jobs.Get(context.Background(), id)
	if err != nil {
		h.t.Fatalf("Get() error = %v", err)
	}
	return job
}

// runUntilTerminal runs w until the job reaches COMPLETED or FAILED.
func (h *harness) runUntilTerminal(w *Worker, id string) *models.Job {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
		w.Wait()
	}()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job := h.get(id); job.Status.Terminal() {
			return job
		}
		time.Sleep(2 * time.Millisecond)
	}
	h.t.Fatalf("job %s never reached a terminal state: %+v", id, h.get(id))
	return nil
}

func TestWorkerHappyPath(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	var (
		mu       sync.Mutex
		statuses []models.JobStatus
	)
	w := NewWorker("worker-1", h.deps(pastaCaption, homemadePasta, time.Second), h.cfg, nil)
	w.SetNotifier(func(job *models.Job) {
		mu.Lock()
		statuses = append(statuses, job.Status)
		mu.Unlock()
	})

	job := h.runUntilTerminal(w, id)
	if job.Status != models.StatusCompleted || job.Result == nil || job.Result.Name != "Homemade Pasta" {
		t.Fatalf("job = %+v", job)
	}
	if job.Attempts != 1 || job.Progress != 100 || job.LastError != nil || job.ProcessingNode != "worker-1" {
		t.Fatalf("job = %+v", job)
	}

	stored, err := h.recipes.Get(context.Background(), id)
	if err != nil || stored.Name != "Homemade Pasta" {
		t.Fatalf("persisted recipe = %+v, %v", stored, err)
	}
	select {
	case ev := <-h.events:
		if ev.JobID != id || ev.RequesterID != "u1" || ev.RecipeName != "Homemade Pasta" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no completion event")
	}
	if h.q.Len() != 0 {
		t.Fatalf("queue length = %d after completion, want 0", h.q.Len())
	}

	mu.Lock()
	defer mu.Unlock()
	want := []models.JobStatus{models.StatusScraping, models.StatusAnalyzing, models.StatusCompleted}
	if len(statuses) != len(want) {
		t.Fatalf("updates = %v, want %v", statuses, want)
	}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("updates = %v, want %v", statuses, want)
		}
	}
}

func TestWorkerScrapeTimeoutExhaustsRetries(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/slow")

	var calls atomic.Int32
	hang := scraperFunc(func(ctx context.Context, _ string) (*models.ScrapedContent, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	w := NewWorker("worker-1", h.deps(hang, homemadePasta, 10*time.Millisecond), h.cfg, nil)

	job := h.runUntilTerminal(w, id)
	if job.Status != models.StatusFailed || job.Attempts != 3 {
		t.Fatalf("job = %+v, want FAILED after 3 attempts", job)
	}
	if job.LastError == nil || job.LastError.Kind != models.ErrorKindTransient || job.LastError.Stage != stage.ScrapeStage {
		t.Fatalf("last_error = %+v", job.LastError)
	}
	if job.Result != nil {
		t.Fatal("failed job carries a result")
	}
	if calls.Load() != 3 {
		t.Fatalf("scraper calls = %d, want 3", calls.Load())
	}
	if h.q.Len() != 0 {
		t.Fatalf("queue length = %d, want failed job acked", h.q.Len())
	}
	select {
	case ev := <-h.events:
		t.Fatalf("unexpected notification %+v", ev)
	default:
	}
}

func TestWorkerMalformedAnalysisRetriesThenCompletes(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	var calls atomic.Int32
	flaky := analyzerFunc(func(ctx context.Context, c *models.ScrapedContent) (*models.Recipe, error) {
		if calls.Add(1) < 3 {
			return stage.ParseRecipe("I could not find JSON here")
		}
		return homemadePasta(ctx, c)
	})
	w := NewWorker("worker-1", h.deps(pastaCaption, flaky, time.Second), h.cfg, nil)

	job := h.runUntilTerminal(w, id)
	if job.Status != models.StatusCompleted || job.Attempts != 3 {
		t.Fatalf("job = %+v, want COMPLETED on attempt 3", job)
	}
	if job.LastError != nil {
		t.Fatalf("last_error = %+v, want cleared on success", job.LastError)
	}
}

func TestWorkerPersistenceFailureIsRetried(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	deps := h.deps(pastaCaption, homemadePasta, time.Second)
	failing := &failingRecipes{Store: h.recipes, failures: 1}
	deps.Recipes = failing
	w := NewWorker("worker-1", deps, h.cfg, nil)

	d := h.dequeue()
	if got := w.Process(context.Background(), d); got != OutcomeRetry {
		t.Fatalf("first Process() = %s, want retry", got)
	}
	job := h.get(id)
	if job.Status != models.StatusPending || job.LastError == nil || job.LastError.Kind != models.ErrorKindPersistence {
		t.Fatalf("job after persist failure = %+v", job)
	}

	job = h.runUntilTerminal(w, id)
	if job.Status != models.StatusCompleted || job.Attempts != 2 {
		t.Fatalf("job = %+v", job)
	}
}

type failingRecipes struct {
	recipes.Store
	mu       sync.Mutex
	failures int
}

func (f *failingRecipes) Put(ctx context.Context, jobID string, r *models.Recipe) (*models.Recipe, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, errors.New("db: connection reset")
	}
	f.mu.Unlock()
	return f.Store.Put(ctx, jobID, r)
}

// completeFailingStore fails the first n writes to COMPLETED with a plain
// store error, as if the database dropped the connection.
type completeFailingStore struct {
	store.JobStore
	mu       sync.Mutex
	failures int
}

func (s *completeFailingStore) CompareAndSwap(ctx context.Context, id string, expected models.JobStatus, next *models.Job) (*models.Job, error) {
	s.mu.Lock()
	if next.Status == models.StatusCompleted && s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return nil, errors.New("db: connection reset")
	}
	s.mu.Unlock()
	return s.JobStore.CompareAndSwap(ctx, id, expected, next)
}

func TestWorkerResultMatchesPersistedRecipeAfterRedelivery(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	id := h.submit("https://instagram.com/reel/abc")

	var calls atomic.Int32
	versioned := analyzerFunc(func(ctx context.Context, c *models.ScrapedContent) (*models.Recipe, error) {
		r, _ := homemadePasta(ctx, c)
		r.Name = fmt.Sprintf("Pasta v%d", calls.Add(1))
		return r, nil
	})
	deps := h.deps(pastaCaption, versioned, time.Second)
	deps.Jobs = &completeFailingStore{JobStore: h.jobs, failures: 1}
	w := NewWorker("worker-1", deps, h.cfg, nil)

	job := h.runUntilTerminal(w, id)
	if job.Status != models.StatusCompleted || job.Attempts != 2 {
		t.Fatalf("job = %+v, want COMPLETED on attempt 2", job)
	}
	if calls.Load() != 2 {
		t.Fatalf("analyzer calls = %d, want 2", calls.Load())
	}
	persisted, err := h.recipes.Get(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Result.Name != persisted.Name || persisted.Name != "Pasta v1" {
		t.Fatalf("job result = %q, persisted = %q, want both Pasta v1", job.Result.Name, persisted.Name)
	}
	select {
	case ev := <-h.events:
		if ev.RecipeName != "Pasta v1" {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("no completion event")
	}
}

type mirrorFunc func(ctx context.Context, requesterID, jobID string, c *models.ScrapedContent) recipes.Media

func (f mirrorFunc) Mirror(ctx context.Context, requesterID, jobID string, c *models.ScrapedContent) recipes.Media {
	return f(ctx, requesterID, jobID, c)
}

func TestWorkerMirrorsMediaOntoRecipe(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	withMedia := scraperFunc(func(ctx context.Context, url string) (*models.ScrapedContent, error) {
		c, _ := pastaCaption(ctx, url)
		c.ThumbnailURL = "https://cdn.example.com/t.jpg"
		c.MediaURL = "https://cdn.example.com/v.mp4"
		return c, nil
	})
	deps := h.deps(withMedia, homemadePasta, time.Second)
	deps.Media = mirrorFunc(func(_ context.Context, requesterID, jobID string, c *models.ScrapedContent) recipes.Media {
		if requesterID != "u1" || jobID != id || c.MediaURL == "" {
			t.Errorf("Mirror(%q, %q, %+v)", requesterID, jobID, c)
		}
		// Video upload failed; the thumbnail made it.
		return recipes.Media{ThumbnailURL: "https://media.example.com/recipes/u1/" + jobID + "/thumbnail.jpg"}
	})
	w := NewWorker("worker-1", deps, h.cfg, nil)

	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeCompleted {
		t.Fatalf("Process() = %s, want completed", got)
	}
	w.Wait()
	job := h.get(id)
	want := "https://media.example.com/recipes/u1/" + id + "/thumbnail.jpg"
	if job.Result.ThumbnailURL != want || job.Result.VideoURL != "" {
		t.Fatalf("result = %+v", job.Result)
	}
	persisted, _ := h.recipes.Get(context.Background(), id)
	if persisted.ThumbnailURL != want {
		t.Fatalf("persisted = %+v", persisted)
	}
}

func TestWorkerDropsDeliveryWithoutRecord(t *testing.T) {
	h := newHarness(t, time.Minute)
	if err := h.q.Enqueue(context.Background(), "ghost", nil, 0); err != nil {
		t.Fatal(err)
	}
	w := NewWorker("worker-1", h.deps(pastaCaption, homemadePasta, time.Second), h.cfg, nil)

	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeDropped {
		t.Fatalf("Process() = %s, want dropped", got)
	}
	if h.q.Len() != 0 {
		t.Fatalf("queue length = %d, want 0", h.q.Len())
	}
}

func TestWorkerAcksDuplicateOfFinishedJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")
	w := NewWorker("worker-1", h.deps(pastaCaption, homemadePasta, time.Second), h.cfg, nil)
	h.runUntilTerminal(w, id)
	before := h.get(id)

	if err := h.q.Enqueue(context.Background(), id, nil, 0); err != nil {
		t.Fatal(err)
	}
	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeDuplicate {
		t.Fatalf("Process() = %s, want duplicate", got)
	}
	if after := h.get(id); after.Version != before.Version {
		t.Fatalf("duplicate delivery rewrote the record: v%d -> v%d", before.Version, after.Version)
	}
}

func TestWorkerStaleWorkerLosesToRedelivery(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	id := h.submit("https://instagram.com/reel/abc")

	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int32
	scraper := scraperFunc(func(ctx context.Context, url string) (*models.ScrapedContent, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return pastaCaption(ctx, url)
	})
	deps := h.deps(scraper, homemadePasta, time.Minute)
	slow := NewWorker("worker-1", deps, h.cfg, nil)
	fast := NewWorker("worker-2", deps, h.cfg, nil)

	first := h.dequeue()
	slowDone := make(chan Outcome, 1)
	go func() { slowDone <- slow.Process(context.Background(), first) }()
	<-started

	// The lease lapses while worker-1 is stuck in the scraper.
	second := h.dequeue()
	if second.LeaseID == first.LeaseID {
		t.Fatal("redelivery reused the old lease")
	}
	if got := fast.Process(context.Background(), second); got != OutcomeCompleted {
		t.Fatalf("worker-2 Process() = %s, want completed", got)
	}
	finished := h.get(id)
	if finished.Status != models.StatusCompleted || finished.Attempts != 2 || finished.ProcessingNode != "worker-2" {
		t.Fatalf("record = %+v", finished)
	}

	close(release)
	if got := <-slowDone; got != OutcomeAbandoned {
		t.Fatalf("worker-1 Process() = %s, want abandoned", got)
	}
	if after := h.get(id); after.Version != finished.Version || after.Status != models.StatusCompleted {
		t.Fatalf("stale worker mutated the record: %+v", after)
	}
	slow.Wait()
	fast.Wait()
}

func TestWorkerAbandonedAttemptOnLastRetryFails(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")
	h.cfg.MaxAttempts = 1

	// Simulate a worker that claimed the job and died.
	job := h.get(id)
	claimed := job.Clone()
	claimed.Status = models.StatusScraping
	claimed.Attempts = 1
	if _, err := h.jobs.CompareAndSwap(context.Background(), id, models.StatusPending, claimed); err != nil {
		t.Fatal(err)
	}

	w := NewWorker("worker-2", h.deps(pastaCaption, homemadePasta, time.Second), h.cfg, nil)
	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeFailed {
		t.Fatalf("Process() = %s, want failed", got)
	}
	failed := h.get(id)
	if failed.Status != models.StatusFailed || failed.Attempts != 1 || failed.LastError.Kind != models.ErrorKindTransient {
		t.Fatalf("record = %+v", failed)
	}
}

func TestWorkerCancelledMidAttemptAbandons(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	ctx, cancel := context.WithCancel(context.Background())
	scraper := scraperFunc(func(sctx context.Context, _ string) (*models.ScrapedContent, error) {
		cancel()
		<-sctx.Done()
		return nil, sctx.Err()
	})
	w := NewWorker("worker-1", h.deps(scraper, homemadePasta, time.Minute), h.cfg, nil)

	if got := w.Process(ctx, h.dequeue()); got != OutcomeAbandoned {
		t.Fatalf("Process() = %s, want abandoned", got)
	}
	job := h.get(id)
	if job.Status != models.StatusScraping || job.LastError != nil {
		t.Fatalf("record = %+v, want left in SCRAPING", job)
	}
	if h.q.Len() != 1 {
		t.Fatalf("queue length = %d, want lease left to expire", h.q.Len())
	}
}

func TestWorkerNotifierFailureDoesNotAffectJob(t *testing.T) {
	h := newHarness(t, time.Minute)
	id := h.submit("https://instagram.com/reel/abc")

	deps := h.deps(pastaCaption, homemadePasta, time.Second)
	deps.Notifier = notify.Func(func(context.Context, notify.Event) error { return errors.New("fcm down") })
	w := NewWorker("worker-1", deps, h.cfg, nil)

	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeCompleted {
		t.Fatalf("Process() = %s, want completed", got)
	}
	w.Wait()
	if job := h.get(id); job.Status != models.StatusCompleted {
		t.Fatalf("record = %+v", job)
	}
}

func TestPoolProcessesManyJobs(t *testing.T) {
	h := newHarness(t, time.Minute)
	const n = 12
	ids := make([]string, n)
	for i := range ids {
		ids[i] = h.submit("https://instagram.com/reel/abc")
	}

	var inFlight, maxInFlight atomic.Int32
	scraper := scraperFunc(func(ctx context.Context, url string) (*models.ScrapedContent, error) {
		cur := inFlight.Add(1)
		defer inFlight.Add(-1)
		for {
			old := maxInFlight.Load()
			if cur <= old || maxInFlight.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		return pastaCaption(ctx, url)
	})

	pool := NewPool(4, h.deps(scraper, homemadePasta, time.Second), h.cfg, nil)
	if pool.Size() != 4 || pool.workers[3].ID != "worker-4" {
		t.Fatalf("pool workers misnamed")
	}
	ctx, cancel := context.WithCancel(context.Background())
	pool.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for _, id := range ids {
		for h.get(id).Status != models.StatusCompleted {
			if time.Now().After(deadline) {
				t.Fatalf("job %s not completed", id)
			}
			time.Sleep(2 * time.Millisecond)
		}
	}
	cancel()
	pool.Wait()

	if maxInFlight.Load() > 4 {
		t.Fatalf("max concurrent scrapes = %d, want <= 4", maxInFlight.Load())
	}
	if pool.Busy() != 0 {
		t.Fatalf("Busy() = %d after stop", pool.Busy())
	}
}

func TestWorkerZeroNotifyTimeoutStillNotifies(t *testing.T) {
	h := newHarness(t, time.Minute)
	h.cfg.NotifyTimeout = 0
	id := h.submit("https://instagram.com/reel/abc")

	deps := h.deps(pastaCaption, homemadePasta, time.Second)
	deps.Notifier = notify.Func(func(ctx context.Context, ev notify.Event) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.events <- ev
		return nil
	})
	w := NewWorker("worker-1", deps, h.cfg, nil)
	if w.cfg.NotifyTimeout != defaultNotifyTimeout {
		t.Fatalf("notify timeout = %v, want %v", w.cfg.NotifyTimeout, defaultNotifyTimeout)
	}

	if got := w.Process(context.Background(), h.dequeue()); got != OutcomeCompleted {
		t.Fatalf("Process() = %s", got)
	}
	w.Wait()
	select {
	case ev := <-h.events:
		if ev.JobID != id {
			t.Fatalf("event = %+v", ev)
		}
	default:
		t.Fatal("notification dropped")
	}
}
