package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/mnemo/internal/entity"
	"github.com/scrypster/mnemo/internal/llm"
	"github.com/scrypster/mnemo/internal/storage"
	"github.com/scrypster/mnemo/internal/transcript"
	"github.com/scrypster/mnemo/pkg/types"
)

// PipelineStore is the persistence the write path needs.
type PipelineStore interface {
	storage.MemoryStore
	storage.ExtractionStateStore
}

// Indexer receives the embedding of every newly created memory.
type Indexer interface {
	Add(ctx context.Context, memoryID, model string, embedding []float32) error
}

// Pipeline wires the write path's collaborators. Index and Events are
// optional.
type Pipeline struct {
	Source    *transcript.Source
	Store     PipelineStore
	Extractor *Extractor
	Resolver  *entity.Resolver
	Embedder  llm.EmbeddingGenerator
	Index     Indexer
	Events    *EventBus
}

// RunSummary reports what one extraction run did.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	Files      int `json:"files"`
	FileErrors int `json:"file_errors"`

	ChunksProcessed int `json:"chunks_processed"`
	ChunksSkipped   int `json:"chunks_skipped"` // already processed earlier
	ChunksFailed    int `json:"chunks_failed"`
	ChunksAbandoned int `json:"chunks_abandoned"`
	ChunksDeferred  int `json:"chunks_deferred"`
	LinesSkipped    int `json:"lines_skipped"` // malformed transcript lines

	CandidatesExtracted int `json:"candidates_extracted"`
	CandidatesDropped   int `json:"candidates_dropped"`
	MemoriesCreated     int `json:"memories_created"`
	MemoriesMerged      int `json:"memories_merged"`

	Error string `json:"error,omitempty"`
}

// Totals accumulates counters across runs since the process started.
type Totals struct {
	Runs              int `json:"runs"`
	FailedRuns        int `json:"failed_runs"`
	ChunksProcessed   int `json:"chunks_processed"`
	ChunksFailed      int `json:"chunks_failed"`
	CandidatesDropped int `json:"candidates_dropped"`
	MemoriesCreated   int `json:"memories_created"`
	MemoriesMerged    int `json:"memories_merged"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Running      bool        `json:"running"`
	CurrentRunID string      `json:"current_run_id,omitempty"`
	LastRun      *RunSummary `json:"last_run,omitempty"`
	NextRunAt    *time.Time  `json:"next_run_at,omitempty"`
	Totals       Totals      `json:"totals"`
}

// runState is shared by the file workers of one run.
type runState struct {
	id            string
	mu            sync.Mutex
	summary       RunSummary
	embedFailures atomic.Int32
}

func (r *runState) add(fn func(s *RunSummary)) {
	r.mu.Lock()
	fn(&r.summary)
	r.mu.Unlock()
}

// Scheduler periodically mines transcripts into memories. At most one run
// is active at a time; a trigger during a run reports ErrAlreadyRunning.
// Files are processed in parallel, the chunks of one file in order, and a
// file's cursor moves past a chunk only once that chunk is finished.
type Scheduler struct {
	cfg     Config
	p       Pipeline
	chunker transcript.Chunker
	now     func() time.Time

	running atomic.Bool

	mu       sync.Mutex
	current  string
	last     *RunSummary
	totals   Totals
	nextRun  time.Time
	started  bool
	stopped  bool
	loopDone chan struct{}
	runs     sync.WaitGroup

	// ctx bounds background runs; Stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewScheduler creates a scheduler. Use DefaultConfig() for sensible
// defaults.
func NewScheduler(cfg Config, p Pipeline) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	switch {
	case p.Source == nil:
		return nil, fmt.Errorf("transcript source is required")
	case p.Store == nil:
		return nil, fmt.Errorf("store is required")
	case p.Extractor == nil:
		return nil, fmt.Errorf("extractor is required")
	case p.Resolver == nil:
		return nil, fmt.Errorf("entity resolver is required")
	case p.Embedder == nil:
		return nil, fmt.Errorf("embedding generator is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg,
		p:       p,
		chunker: transcript.Chunker{MinMessages: cfg.MinMessages, MaxMessages: cfg.MaxMessages},
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start begins the periodic loop. Cancelling ctx has the same effect as
// Stop. A stopped scheduler cannot be restarted.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		return fmt.Errorf("scheduler stopped")
	}

	s.started = true
	s.loopDone = make(chan struct{})
	context.AfterFunc(ctx, s.cancel)
	go s.loop()

	log.Printf("scheduler: started (interval %s, %d files at a time)", s.cfg.Interval, s.cfg.FileConcurrency)
	return nil
}

func (s *Scheduler) loop() {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	if s.cfg.RunOnStart {
		s.tick()
	}
	s.scheduleNext()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.tick()
			s.scheduleNext()
		}
	}
}

func (s *Scheduler) tick() {
	if _, err := s.Trigger(s.ctx); err != nil {
		if errors.Is(err, ErrAlreadyRunning) {
			log.Printf("scheduler: previous run still in progress, skipping tick")
			return
		}
		log.Printf("scheduler: WARNING: scheduled run not started: %v", err)
	}
}

func (s *Scheduler) scheduleNext() {
	s.mu.Lock()
	s.nextRun = s.now().Add(s.cfg.Interval)
	s.mu.Unlock()
}

// Stop ends the loop, cancels a run in flight and waits for it to wind
// down or for ctx to expire. Cursors of chunks finished before the
// cancellation are kept.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	loopDone := s.loopDone
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		if loopDone != nil {
			<-loopDone
		}
		s.runs.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Printf("scheduler: stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("timed out waiting for extraction run to stop: %w", ctx.Err())
	}
}

// Trigger starts a run in the background and returns its id. The run
// outlives ctx; it ends with the scheduler.
func (s *Scheduler) Trigger(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return "", fmt.Errorf("scheduler stopped")
	}
	if !s.running.CompareAndSwap(false, true) {
		return "", ErrAlreadyRunning
	}

	runID := uuid.NewString()
	s.current = runID
	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		_, _ = s.execute(s.ctx, runID)
	}()
	return runID, nil
}

// RunOnce performs a run synchronously.
func (s *Scheduler) RunOnce(ctx context.Context) (*RunSummary, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}

	runID := uuid.NewString()
	s.mu.Lock()
	s.current = runID
	s.mu.Unlock()

	return s.execute(ctx, runID)
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running: s.running.Load(),
		Totals:  s.totals,
	}
	if st.Running {
		st.CurrentRunID = s.current
	}
	if s.last != nil {
		last := *s.last
		st.LastRun = &last
	}
	if !s.nextRun.IsZero() {
		next := s.nextRun
		st.NextRunAt = &next
	}
	return st
}

// execute runs one extraction pass. The caller has set the running flag.
func (s *Scheduler) execute(ctx context.Context, runID string) (*RunSummary, error) {
	run := &runState{id: runID, summary: RunSummary{RunID: runID, StartedAt: s.now().UTC()}}
	s.p.Events.Publish(Event{Type: EventRunStarted, RunID: runID})
	log.Printf("scheduler: run %s started", runID)

	err := s.processAll(ctx, run)

	run.mu.Lock()
	run.summary.FinishedAt = s.now().UTC()
	if err != nil {
		run.summary.Error = err.Error()
	}
	summary := run.summary
	run.mu.Unlock()

	s.mu.Lock()
	s.last = &summary
	s.totals.Runs++
	if err != nil {
		s.totals.FailedRuns++
	}
	s.totals.ChunksProcessed += summary.ChunksProcessed
	s.totals.ChunksFailed += summary.ChunksFailed
	s.totals.CandidatesDropped += summary.CandidatesDropped
	s.totals.MemoriesCreated += summary.MemoriesCreated
	s.totals.MemoriesMerged += summary.MemoriesMerged
	s.current = ""
	s.running.Store(false)
	s.mu.Unlock()

	if err != nil {
		log.Printf("scheduler: ERROR: run %s failed: %v", runID, err)
		s.p.Events.Publish(Event{Type: EventRunFailed, RunID: runID, Summary: &summary, Error: err.Error()})
		return &summary, err
	}

	log.Printf("scheduler: run %s completed: %d files, %d chunks (%d failed, %d skipped), %d created, %d merged, %d dropped",
		runID, summary.Files, summary.ChunksProcessed, summary.ChunksFailed, summary.ChunksSkipped,
		summary.MemoriesCreated, summary.MemoriesMerged, summary.CandidatesDropped)
	s.p.Events.Publish(Event{Type: EventRunCompleted, RunID: runID, Summary: &summary})
	return &summary, nil
}

func (s *Scheduler) processAll(ctx context.Context, run *runState) error {
	files, err := s.p.Source.Discover(ctx)
	if err != nil {
		return fmt.Errorf("failed to discover transcripts: %w", err)
	}
	run.add(func(r *RunSummary) { r.Files = len(files) })

	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	sem := make(chan struct{}, s.cfg.FileConcurrency)
	var wg sync.WaitGroup

dispatch:
	for _, f := range files {
		select {
		case sem <- struct{}{}:
		case <-runCtx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer func() { <-sem }()

			err := s.processFile(runCtx, run, path)
			switch {
			case err == nil:
			case errors.Is(err, ErrEmbeddingUnavailable):
				abort(err)
			case runCtx.Err() != nil:
			default:
				log.Printf("scheduler: ERROR: file %s: %v", path, err)
				run.add(func(r *RunSummary) { r.FileErrors++ })
			}
		}(f.Path)
	}
	wg.Wait()

	if runCtx.Err() != nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrEmbeddingUnavailable) {
			return cause
		}
		return ctx.Err()
	}
	return nil
}

// processFile retries the file's open failed chunks, then reads new data
// from its cursor.
func (s *Scheduler) processFile(ctx context.Context, run *runState, path string) error {
	s.p.Events.Publish(Event{Type: EventFileStarted, RunID: run.id, FilePath: path})

	if err := s.retryFailed(ctx, run, path); err != nil {
		return err
	}

	var pos int64
	state, err := s.p.Store.GetState(ctx, path)
	switch {
	case err == nil:
		pos = state.LastPosition
	case errors.Is(err, storage.ErrNotFound):
	default:
		return fmt.Errorf("failed to load cursor: %w", err)
	}
	// Cursors never move back, so a truncated file stays idle until it
	// grows past its cursor again.
	if fi, err := os.Stat(path); err == nil && fi.Size() < pos {
		log.Printf("scheduler: WARNING: %s shrank below its cursor (%d < %d), skipping", path, fi.Size(), pos)
		return nil
	}

	records := s.p.Source.ReadFrom(ctx, path, pos)
	for chunk, err := range s.chunker.Chunks(path, pos, records) {
		if err != nil {
			return fmt.Errorf("failed to read transcript: %w", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if chunk.Open && len(chunk.Messages) > 0 && s.tailActive(path) {
			// The cursor stays at chunk.Start so a later run reads the
			// tail again together with whatever follows it.
			run.add(func(r *RunSummary) { r.ChunksDeferred++ })
			break
		}
		if chunk.Skipped > 0 {
			run.add(func(r *RunSummary) { r.LinesSkipped += chunk.Skipped })
		}

		if len(chunk.Messages) > 0 {
			if err := s.processChunk(ctx, run, chunk); err != nil {
				if errors.Is(err, ErrEmbeddingUnavailable) || ctx.Err() != nil {
					return err
				}
				s.recordFailure(ctx, run, chunk, err)
			}
		}

		// The chunk is finished (or parked as failed); a cancellation from
		// here on must not lose its cursor.
		if err := s.p.Store.AdvanceState(context.WithoutCancel(ctx), path, chunk.End, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to advance cursor: %w", err)
		}
	}

	s.p.Events.Publish(Event{Type: EventFileCompleted, RunID: run.id, FilePath: path})
	return nil
}

// tailActive reports whether path was modified within the last TailIdle,
// meaning the speaker at its end may still be writing.
func (s *Scheduler) tailActive(path string) bool {
	if s.cfg.TailIdle <= 0 {
		return false
	}
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return s.now().Sub(fi.ModTime()) < s.cfg.TailIdle
}

// retryFailed re-attempts the byte ranges of earlier failed chunks. A chunk
// that has used up its attempts is abandoned.
func (s *Scheduler) retryFailed(ctx context.Context, run *runState, path string) error {
	failed, err := s.p.Store.ListFailedChunks(ctx, path)
	if err != nil {
		return fmt.Errorf("failed to list failed chunks: %w", err)
	}

	for _, fc := range failed {
		if err := ctx.Err(); err != nil {
			return err
		}

		if fc.Attempts >= s.cfg.MaxChunkAttempts {
			log.Printf("scheduler: WARNING: abandoning chunk %s bytes %d-%d after %d attempts: %s",
				path, fc.StartOffset, fc.EndOffset, fc.Attempts, fc.LastError)
			if err := s.p.Store.AbandonFailedChunk(ctx, path, fc.StartOffset); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("failed to abandon chunk: %w", err)
			}
			run.add(func(r *RunSummary) { r.ChunksAbandoned++ })
			continue
		}

		chunk, err := s.readRange(ctx, path, fc.StartOffset, fc.EndOffset)
		if err != nil {
			log.Printf("scheduler: WARNING: cannot re-read failed chunk %s bytes %d-%d: %v", path, fc.StartOffset, fc.EndOffset, err)
			continue
		}

		err = s.processChunk(ctx, run, chunk)
		switch {
		case err == nil:
			if err := s.p.Store.ResolveFailedChunk(context.WithoutCancel(ctx), path, fc.StartOffset); err != nil {
				return fmt.Errorf("failed to resolve chunk: %w", err)
			}
			log.Printf("scheduler: recovered chunk %s bytes %d-%d on attempt %d", path, fc.StartOffset, fc.EndOffset, fc.Attempts+1)
		case errors.Is(err, ErrEmbeddingUnavailable) || ctx.Err() != nil:
			return err
		default:
			s.recordFailure(ctx, run, chunk, err)
		}
	}
	return nil
}

// readRange rebuilds the chunk covering bytes [start, end) of path.
func (s *Scheduler) readRange(ctx context.Context, path string, start, end int64) (transcript.Chunk, error) {
	chunk := transcript.Chunk{FilePath: path, Start: start, End: end}

	for rec, err := range s.p.Source.ReadFrom(ctx, path, start) {
		var pe *transcript.ParseError
		if err != nil && !errors.As(err, &pe) {
			return chunk, err
		}
		if rec.End > end {
			break
		}
		if pe != nil {
			chunk.Skipped++
		} else {
			chunk.Messages = append(chunk.Messages, rec)
			chunk.LastMessage = len(chunk.Messages) - 1
		}
		if rec.End == end {
			break
		}
	}
	return chunk, nil
}

func (s *Scheduler) recordFailure(ctx context.Context, run *runState, chunk transcript.Chunk, cause error) {
	log.Printf("scheduler: WARNING: chunk %s bytes %d-%d failed: %v", chunk.FilePath, chunk.Start, chunk.End, cause)

	fc := types.FailedChunk{
		FilePath:    chunk.FilePath,
		StartOffset: chunk.Start,
		EndOffset:   chunk.End,
		LastError:   cause.Error(),
	}
	if err := s.p.Store.RecordFailedChunk(context.WithoutCancel(ctx), fc); err != nil {
		log.Printf("scheduler: ERROR: failed to record failed chunk %s bytes %d-%d: %v", chunk.FilePath, chunk.Start, chunk.End, err)
	}

	run.add(func(r *RunSummary) { r.ChunksFailed++ })
	s.p.Events.Publish(Event{
		Type:       EventChunkFailed,
		RunID:      run.id,
		FilePath:   chunk.FilePath,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Error:      cause.Error(),
	})
}

// processChunk takes one chunk through extraction, entity resolution,
// embedding, batch dedup and storage. A chunk whose fingerprint was already
// processed is skipped.
func (s *Scheduler) processChunk(ctx context.Context, run *runState, chunk transcript.Chunk) error {
	hash := chunk.Hash()
	done, err := s.p.Store.IsChunkProcessed(ctx, hash)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrChunkFailed, err)
	}
	if done {
		run.add(func(r *RunSummary) { r.ChunksSkipped++ })
		return nil
	}

	result, err := s.p.Extractor.Extract(ctx, chunk)
	if err != nil {
		return err
	}

	observedAt := s.now().UTC()
	if last := chunk.Messages[len(chunk.Messages)-1].Timestamp; !last.IsZero() {
		observedAt = last.UTC()
	}
	source := types.SourceChunk{
		FilePath:     chunk.FilePath,
		StartOffset:  chunk.Start,
		EndOffset:    chunk.End,
		FirstMessage: chunk.FirstMessage,
		LastMessage:  chunk.LastMessage,
	}

	batch := NewDedupBatch(s.cfg.MergeThreshold)
	for _, c := range result.Candidates {
		res, err := s.p.Resolver.Resolve(ctx, c, observedAt)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Printf("scheduler: WARNING: partial entity resolution for %q: %v", c.Title, err)
		}

		vec, err := s.embed(ctx, run, c.Content)
		if err != nil {
			return err
		}

		m := c.ToMemory(source, observedAt)
		if res != nil {
			m.RelatedEntities = res.EntityIDs
		}
		m.Embedding = vec
		m.EmbeddingModel = s.p.Embedder.GetModel()
		batch.Add(m)
	}

	survivors := batch.Resolve()
	created, merged := 0, batch.Len()-len(survivors)
	for _, m := range survivors {
		res, err := s.p.Store.Upsert(ctx, m, s.cfg.MergeThreshold)
		if err != nil {
			return fmt.Errorf("%w: store memory: %w", ErrChunkFailed, err)
		}
		if !res.Created {
			merged++
			continue
		}
		created++
		if s.p.Index != nil {
			if err := s.p.Index.Add(ctx, res.Memory.ID, m.EmbeddingModel, m.Embedding); err != nil {
				log.Printf("scheduler: WARNING: failed to index memory %s: %v", res.Memory.ID, err)
			}
		}
	}

	if err := s.p.Store.MarkChunkProcessed(context.WithoutCancel(ctx), hash, chunk.FilePath, chunk.Start, chunk.End); err != nil {
		log.Printf("scheduler: WARNING: failed to mark chunk processed: %v", err)
	}

	run.add(func(r *RunSummary) {
		r.ChunksProcessed++
		r.CandidatesExtracted += len(result.Candidates)
		r.CandidatesDropped += len(result.Dropped)
		r.MemoriesCreated += created
		r.MemoriesMerged += merged
	})
	s.p.Events.Publish(Event{
		Type:       EventChunkProcessed,
		RunID:      run.id,
		FilePath:   chunk.FilePath,
		ChunkStart: chunk.Start,
		ChunkEnd:   chunk.End,
		Created:    created,
		Merged:     merged,
		Dropped:    len(result.Dropped),
	})
	return nil
}

// embed vectorizes text with retries. Repeated failures, or an open
// circuit, mean the service is down and the run must stop.
func (s *Scheduler) embed(ctx context.Context, run *runState, text string) ([]float32, error) {
	var vec []float32
	err := llm.Retry(ctx, s.cfg.Retry, func() error {
		v, err := s.p.Embedder.Embed(ctx, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return fmt.Errorf("empty embedding from %s", s.p.Embedder.GetModel())
		}
		vec = v
		return nil
	})
	if err == nil {
		run.embedFailures.Store(0)
		return vec, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	n := run.embedFailures.Add(1)
	if errors.Is(err, llm.ErrCircuitOpen) || int(n) >= s.cfg.MaxConsecutiveEmbedFailures {
		return nil, fmt.Errorf("%w: %w", ErrEmbeddingUnavailable, err)
	}
	return nil, fmt.Errorf("%w: embed: %w", ErrChunkFailed, err)
}
