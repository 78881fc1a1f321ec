package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/gofiber/fiber/v2/log"
)

// DefaultJobName is the job the delivery engine registers at boot.
const DefaultJobName = "default"

// JobManager supervises named delivery schedulers. Jobs register once at
// boot and are started and stopped together or individually by name.
type JobManager struct {
	mu   sync.Mutex
	jobs map[string]*DeliveryScheduler
}

// NewJobManager creates an empty job manager.
func NewJobManager() *JobManager {
	return &JobManager{jobs: make(map[string]*DeliveryScheduler)}
}

// Register adds a scheduler under its name. Registering a name twice replaces
// the previous job; the old one is stopped first so its run loop cannot leak.
func (m *JobManager) Register(job *DeliveryScheduler) {
	m.mu.Lock()
	previous, exists := m.jobs[job.Name()]
	m.jobs[job.Name()] = job
	m.mu.Unlock()

	if exists {
		log.Warnf("[Job Manager] Replacing job %s", job.Name())
		previous.Stop()
	}
}

// Get returns the job registered under name.
func (m *JobManager) Get(name string) (*DeliveryScheduler, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[name]
	return job, ok
}

// Default returns the job registered under DefaultJobName.
func (m *JobManager) Default() (*DeliveryScheduler, bool) {
	return m.Get(DefaultJobName)
}

// StartJob starts one job by name.
func (m *JobManager) StartJob(name string) error {
	job, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	job.Start()
	return nil
}

// StopJob stops one job by name and waits for its in-flight run.
func (m *JobManager) StopJob(name string) error {
	job, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("unknown job: %s", name)
	}
	job.Stop()
	return nil
}

// StartAll starts every registered job.
func (m *JobManager) StartAll() {
	for _, job := range m.snapshot() {
		job.Start()
	}
	log.Info("[Job Manager] All jobs started")
}

// StopAllJobs stops every registered job and waits for in-flight runs.
func (m *JobManager) StopAllJobs() {
	for _, job := range m.snapshot() {
		job.Stop()
	}
	log.Info("[Job Manager] All jobs stopped")
}

// GetJobStatuses returns the status of every job, ordered by name.
func (m *JobManager) GetJobStatuses() []JobStatus {
	jobs := m.snapshot()
	statuses := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		statuses = append(statuses, job.Status())
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses
}

// HealthCheck runs every job's health check. A panicking check marks that job
// unhealthy instead of taking the whole report down.
func (m *JobManager) HealthCheck() map[string]HealthReport {
	reports := make(map[string]HealthReport)
	for _, job := range m.snapshot() {
		reports[job.Name()] = safeHealthCheck(job)
	}
	return reports
}

func safeHealthCheck(job *DeliveryScheduler) (report HealthReport) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("[Job Manager] Health check for job %s panicked: %v", job.Name(), r)
			report = HealthReport{
				Healthy: false,
				Issues:  []string{fmt.Sprintf("health check panicked: %v", r)},
			}
		}
	}()
	return job.HealthCheck()
}

func (m *JobManager) snapshot() []*DeliveryScheduler {
	m.mu.Lock()
	defer m.mu.Unlock()
	jobs := make([]*DeliveryScheduler, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	return jobs
}
