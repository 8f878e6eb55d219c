package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"adventure-server/internal/interfaces"
	"adventure-server/internal/messaging"
	"adventure-server/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	// MaxThemeRunes - максимальная длина темы после обрезки пробелов.
	MaxThemeRunes = 300

	terminalWriteTimeout = 10 * time.Second
	notifyTimeout        = 5 * time.Second
)

// Config - параметры пула воркеров.
type Config struct {
	Workers      int
	QueueSize    int
	PollInterval time.Duration
	StaleTimeout time.Duration
}

// Orchestrator владеет жизненным циклом задач: создает их, раздает воркерам,
// запускает построение и сохранение и записывает конечный статус.
type Orchestrator struct {
	jobs       interfaces.JobRepository
	stories    interfaces.StoryRepository
	builder    interfaces.TreeBuilder
	cancels    interfaces.CancelStore
	dispatcher interfaces.Dispatcher
	notifier   interfaces.Notifier
	cfg        Config
	logger     *zap.Logger

	queue chan uuid.UUID

	mu sync.Mutex
	// inFlight: задачи в локальной очереди (nil) или в работе (функция отмены).
	inFlight map[uuid.UUID]context.CancelCauseFunc

	intakeCtx    context.Context
	intakeCancel context.CancelFunc
	runCtx       context.Context
	runCancel    context.CancelCauseFunc
	workers      sync.WaitGroup
	loops        sync.WaitGroup
	startOnce    sync.Once
}

var _ interfaces.JobService = (*Orchestrator)(nil)

// NewOrchestrator создает оркестратор. Воркеры запускаются в Start.
func NewOrchestrator(
	jobs interfaces.JobRepository,
	stories interfaces.StoryRepository,
	builder interfaces.TreeBuilder,
	cancels interfaces.CancelStore,
	dispatcher interfaces.Dispatcher,
	notifier interfaces.Notifier,
	cfg Config,
	logger *zap.Logger,
) *Orchestrator {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	if notifier == nil {
		notifier = messaging.NoopNotifier{}
	}
	intakeCtx, intakeCancel := context.WithCancel(context.Background())
	runCtx, runCancel := context.WithCancelCause(context.Background())
	return &Orchestrator{
		jobs:         jobs,
		stories:      stories,
		builder:      builder,
		cancels:      cancels,
		dispatcher:   dispatcher,
		notifier:     notifier,
		cfg:          cfg,
		logger:       logger.Named("orchestrator"),
		queue:        make(chan uuid.UUID, cfg.QueueSize),
		inFlight:     make(map[uuid.UUID]context.CancelCauseFunc),
		intakeCtx:    intakeCtx,
		intakeCancel: intakeCancel,
		runCtx:       runCtx,
		runCancel:    runCancel,
	}
}

// Submit проверяет тему, создает задачу в pending и отправляет ее воркерам.
// Ошибка отправки не возвращается: задачу подберет поллер.
func (o *Orchestrator) Submit(ctx context.Context, theme string) (*models.Job, error) {
	theme = strings.TrimSpace(theme)
	if theme == "" {
		return nil, models.NewValidationError("submit", errors.New("theme must not be empty"))
	}
	if n := utf8.RuneCountInString(theme); n > MaxThemeRunes {
		return nil, models.NewValidationError("submit",
			fmt.Errorf("theme is %d characters long, maximum is %d", n, MaxThemeRunes))
	}

	job, err := o.jobs.Create(ctx, theme)
	if err != nil {
		return nil, fmt.Errorf("не удалось создать задачу: %w", err)
	}
	jobsSubmitted.Inc()

	log := o.logger.With(zap.String("job_id", job.ID.String()), zap.String("theme", theme))
	log.Info("Job submitted")

	o.notify(job)
	if err := o.dispatcher.Dispatch(ctx, job.ID); err != nil {
		log.Warn("Failed to dispatch job, poller will pick it up", zap.Error(err))
	}
	return job, nil
}

// GetStatus возвращает текущую запись задачи.
func (o *Orchestrator) GetStatus(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return o.jobs.GetByID(ctx, id)
}

// Cancel помечает задачу для отмены. Выполняющаяся здесь задача прерывается сразу,
// остальные - на ближайшей проверке флага. Завершенную задачу отменить нельзя.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	job, err := o.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobNotCancellable, id, job.Status)
	}

	if err := o.cancels.Set(ctx, id); err != nil {
		return nil, fmt.Errorf("не удалось отменить задачу: %w", err)
	}

	// Задача могла завершиться между чтением статуса и установкой флага:
	// конечная запись уже сняла флаг, и новый никто не снимет.
	current, err := o.jobs.GetByID(ctx, id)
	switch {
	case err != nil:
		o.logger.Warn("Failed to re-read job after setting cancel flag",
			zap.String("job_id", id.String()), zap.Error(err))
	case current.Status.IsTerminal():
		o.clearCancelFlag(ctx, id)
		return nil, fmt.Errorf("%w: job %s is %s", models.ErrJobNotCancellable, id, current.Status)
	default:
		job = current
	}

	o.mu.Lock()
	cancel := o.inFlight[id]
	o.mu.Unlock()
	if cancel != nil {
		cancel(models.ErrCancelled)
	}

	o.logger.Info("Job cancellation requested",
		zap.String("job_id", id.String()),
		zap.String("status", string(job.Status)),
		zap.Bool("running_locally", cancel != nil))
	return job, nil
}

// Start восстанавливает зависшие задачи и запускает воркеры, потребителя очереди и поллер.
func (o *Orchestrator) Start(ctx context.Context) error {
	var startErr error
	o.startOnce.Do(func() {
		if err := o.recoverStale(ctx, "job was still processing when the service restarted"); err != nil {
			startErr = fmt.Errorf("не удалось восстановить зависшие задачи: %w", err)
			return
		}

		for i := 0; i < o.cfg.Workers; i++ {
			o.workers.Add(1)
			go o.worker(i)
		}

		o.loops.Add(2)
		go func() {
			defer o.loops.Done()
			if err := o.dispatcher.Consume(o.intakeCtx, o.enqueue); err != nil {
				o.logger.Error("Job consumer stopped", zap.Error(err))
			}
		}()
		go func() {
			defer o.loops.Done()
			o.poll()
		}()

		o.logger.Info("Orchestrator started",
			zap.Int("workers", o.cfg.Workers),
			zap.Int("queue_size", o.cfg.QueueSize),
			zap.Duration("poll_interval", o.cfg.PollInterval))
	})
	return startErr
}

// Shutdown прекращает прием задач и ждет выполняющиеся. Если ctx истекает раньше,
// оставшиеся задачи прерываются и завершаются с ошибкой вида interrupted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.intakeCancel()

	done := make(chan struct{})
	go func() {
		o.loops.Wait()
		o.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		o.logger.Info("Orchestrator stopped")
		return nil
	case <-ctx.Done():
		o.logger.Warn("Shutdown deadline reached, interrupting running jobs")
		o.runCancel(models.ErrInterrupted)
		<-done
		return ctx.Err()
	}
}

// recoverStale завершает задачи в processing, чью аренду никто не продлевал
// дольше StaleTimeout: их воркер остановился вместе со своим экземпляром.
// Живые задачи любого экземпляра продлевают аренду через heartbeat и не затрагиваются.
func (o *Orchestrator) recoverStale(ctx context.Context, reason string) error {
	if o.cfg.StaleTimeout <= 0 {
		return nil
	}
	msg := models.FailureMessage(models.NewInterruptedError("recover", errors.New(reason)))
	ids, err := o.jobs.FailStale(ctx, o.cfg.StaleTimeout, msg)
	if err != nil {
		return err
	}
	for _, id := range ids {
		jobsFinished.WithLabelValues(string(models.JobStatusFailed), string(models.KindInterrupted)).Inc()
		if job, err := o.jobs.GetByID(ctx, id); err == nil {
			o.notify(job)
		}
	}
	return nil
}

// enqueue передает задачу в локальную очередь. Дубли, уже стоящие
// в очереди или выполняющиеся на этом экземпляре, отбрасываются.
func (o *Orchestrator) enqueue(id uuid.UUID) {
	o.mu.Lock()
	if _, dup := o.inFlight[id]; dup {
		o.mu.Unlock()
		o.logger.Debug("Duplicate job delivery dropped", zap.String("job_id", id.String()))
		return
	}
	o.inFlight[id] = nil
	o.mu.Unlock()

	select {
	case o.queue <- id:
	case <-o.intakeCtx.Done():
		o.release(id)
	}
}

func (o *Orchestrator) release(id uuid.UUID) {
	o.mu.Lock()
	delete(o.inFlight, id)
	o.mu.Unlock()
}

// poll периодически подбирает pending задачи, которые не дошли через диспетчер.
func (o *Orchestrator) poll() {
	interval := o.cfg.PollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		o.pollOnce()
		select {
		case <-o.intakeCtx.Done():
			return
		case <-ticker.C:
		}
		o.sweepStale()
	}
}

// sweepStale подбирает задачи, брошенные остановившимися экземплярами, без перезапуска сервиса.
func (o *Orchestrator) sweepStale() {
	if err := o.recoverStale(o.intakeCtx, "job lease expired"); err != nil && o.intakeCtx.Err() == nil {
		o.logger.Error("Failed to sweep stale jobs", zap.Error(err))
	}
}

func (o *Orchestrator) pollOnce() {
	jobs, err := o.jobs.ListPending(o.intakeCtx, o.cfg.QueueSize)
	if err != nil {
		if o.intakeCtx.Err() == nil {
			o.logger.Error("Failed to poll pending jobs", zap.Error(err))
		}
		return
	}
	for _, job := range jobs {
		o.enqueue(job.ID)
		if o.intakeCtx.Err() != nil {
			return
		}
	}
}

func (o *Orchestrator) worker(n int) {
	defer o.workers.Done()
	log := o.logger.With(zap.Int("worker", n))
	log.Debug("Worker started")
	for {
		select {
		case <-o.intakeCtx.Done():
			log.Debug("Worker stopped")
			return
		case id := <-o.queue:
			o.process(id)
		}
	}
}

// process проводит одну задачу через claim -> build -> save+complete / fail.
func (o *Orchestrator) process(id uuid.UUID) {
	defer o.release(id)
	log := o.logger.With(zap.String("job_id", id.String()))

	jobCtx, cancel := context.WithCancelCause(o.runCtx)
	defer cancel(nil)

	job, err := o.jobs.Claim(jobCtx, id)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrJobAlreadyClaimed), errors.Is(err, models.ErrNotFound):
			log.Debug("Job skipped", zap.Error(err))
		default:
			log.Error("Failed to claim job", zap.Error(err))
		}
		return
	}

	o.mu.Lock()
	o.inFlight[id] = cancel
	o.mu.Unlock()

	jobsInFlight.Inc()
	defer jobsInFlight.Dec()
	started := time.Now()
	log = log.With(zap.String("theme", job.Theme))
	log.Info("Job processing started")
	o.notify(job)

	stopHeartbeat := o.keepAlive(jobCtx, id, cancel, log)
	completed, err := o.run(jobCtx, job)
	stopHeartbeat()
	jobDuration.Observe(time.Since(started).Seconds())

	switch {
	case err == nil:
		o.complete(completed, log)
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
		// Задачу уже завершил кто-то другой (например, сборщик зависших задач),
		// транзакция сохранения откатилась вместе с историей.
		log.Warn("Job finished elsewhere, built story discarded", zap.Error(err))
	default:
		o.fail(id, classify(jobCtx, err), log)
	}
}

// run строит дерево и сохраняет его вместе с переходом в completed.
func (o *Orchestrator) run(ctx context.Context, job *models.Job) (*models.Job, error) {
	check := func(ctx context.Context) error {
		return o.checkCancelled(ctx, job.ID)
	}

	if err := check(ctx); err != nil {
		return nil, err
	}
	graph, err := o.builder.Build(ctx, job.Theme, check)
	if err != nil {
		return nil, err
	}
	if err := check(ctx); err != nil {
		return nil, err
	}
	return o.stories.SaveAndComplete(ctx, job.ID, graph)
}

// keepAlive продлевает аренду задачи каждые StaleTimeout/3, пока не вызвана stop.
// Если задача больше не в processing, аренда потеряна и построение прерывается.
func (o *Orchestrator) keepAlive(ctx context.Context, id uuid.UUID, lost context.CancelCauseFunc, log *zap.Logger) (stop func()) {
	interval := o.cfg.StaleTimeout / 3
	if interval <= 0 {
		return func() {}
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}

			err := o.jobs.Heartbeat(hbCtx, id)
			switch {
			case err == nil:
			case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
				log.Warn("Job lease lost, stopping", zap.Error(err))
				lost(models.NewInterruptedError("heartbeat", errors.New("job lease lost")))
				return
			default:
				if hbCtx.Err() == nil {
					log.Warn("Job heartbeat failed", zap.Error(err))
				}
			}
		}
	}()
	return func() {
		hbCancel()
		<-done
	}
}

// checkCancelled сверяется с флагом отмены. Недоступность хранилища флагов
// не останавливает задачу.
func (o *Orchestrator) checkCancelled(ctx context.Context, id uuid.UUID) error {
	flagged, err := o.cancels.IsSet(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn("Cancel flag check failed", zap.String("job_id", id.String()), zap.Error(err))
		}
		return nil
	}
	if flagged {
		return models.NewCancelledError("cancel check", errors.New("cancellation requested"))
	}
	return nil
}

// classify приводит ошибку к отмене или прерыванию, если контекст задачи был отменен.
func classify(ctx context.Context, err error) error {
	kind := models.KindOf(err)
	if ctx.Err() == nil || kind == models.KindCancelled || kind == models.KindInterrupted {
		return err
	}
	cause := context.Cause(ctx)
	if errors.Is(cause, models.ErrInterrupted) {
		return models.NewInterruptedError("run", cause)
	}
	return models.NewCancelledError("run", cause)
}

func (o *Orchestrator) fail(id uuid.UUID, cause error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	msg := models.FailureMessage(cause)
	kind := models.KindOf(cause)
	job, err := o.jobs.Fail(ctx, id, msg)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			log.Warn("Job already finished elsewhere", zap.String("failure", msg), zap.Error(err))
			return
		}
		log.Error("Failed to record job failure", zap.String("failure", msg), zap.Error(err))
		return
	}
	jobsFinished.WithLabelValues(string(models.JobStatusFailed), string(kind)).Inc()
	o.clearCancelFlag(ctx, id)

	if kind == models.KindCancelled || kind == models.KindInterrupted {
		log.Info("Job stopped", zap.String("kind", string(kind)))
	} else {
		log.Error("Job failed", zap.String("failure", msg), zap.Error(cause))
	}
	o.notify(job)
}

// complete доводит учет уже записанного completed: метрики, флаг отмены, событие.
func (o *Orchestrator) complete(job *models.Job, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), terminalWriteTimeout)
	defer cancel()

	jobsFinished.WithLabelValues(string(models.JobStatusCompleted), "").Inc()
	o.clearCancelFlag(ctx, job.ID)

	var storyID int64
	if job.StoryID != nil {
		storyID = *job.StoryID
	}
	log.Info("Job completed", zap.Int64("story_id", storyID))
	o.notify(job)
}

func (o *Orchestrator) clearCancelFlag(ctx context.Context, id uuid.UUID) {
	if err := o.cancels.Clear(ctx, id); err != nil {
		o.logger.Warn("Failed to clear cancel flag", zap.String("job_id", id.String()), zap.Error(err))
	}
}

func (o *Orchestrator) notify(job *models.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := o.notifier.Notify(ctx, models.EventFromJob(job)); err != nil {
		o.logger.Warn("Failed to deliver job event",
			zap.String("job_id", job.ID.String()),
			zap.String("status", string(job.Status)),
			zap.Error(err))
	}
}
