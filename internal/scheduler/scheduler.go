package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler управляет запуском периодических задач
type Scheduler struct {
	logger  *zap.Logger
	metrics JobMetrics
	jobs    []Job
}

// Job интерфейс для периодических задач
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// JobMetrics учитывает результаты запусков задач
type JobMetrics interface {
	RecordJob(job string, err error)
}

// NewScheduler создает новый планировщик задач. metrics может быть nil.
func NewScheduler(logger *zap.Logger, metrics JobMetrics) *Scheduler {
	return &Scheduler{
		logger:  logger,
		metrics: metrics,
		jobs:    make([]Job, 0),
	}
}

// AddJob добавляет задачу в планировщик
func (s *Scheduler) AddJob(job Job) {
	s.jobs = append(s.jobs, job)
}

// Start запускает планировщик с указанным интервалом и блокируется до отмены ctx
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.logger.Info("запуск планировщика задач",
		zap.Duration("interval", interval),
		zap.Int("jobs_count", len(s.jobs)))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Запускаем задачи сразу при старте
	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("остановка планировщика задач")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce последовательно запускает все зарегистрированные задачи.
// Ошибка одной задачи не мешает остальным.
func (s *Scheduler) RunOnce(ctx context.Context) {
	for _, job := range s.jobs {
		if ctx.Err() != nil {
			return
		}

		s.logger.Debug("запуск задачи", zap.String("job", job.Name()))

		err := job.Run(ctx)
		if err != nil {
			s.logger.Error("ошибка выполнения задачи",
				zap.Error(err),
				zap.String("job", job.Name()))
		}
		if s.metrics != nil {
			s.metrics.RecordJob(job.Name(), err)
		}
	}
}
