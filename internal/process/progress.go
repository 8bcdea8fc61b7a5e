package process

import (
	"math"
	"time"

	"github.com/dustin/go-humanize"

	"patch-downloader/internal/task"
	"patch-downloader/internal/workspace"
)

// maxEstimate keeps an estimate from ever claiming the download is finished;
// only a successful exit moves a task to 100%.
const maxEstimate = 95.0

// Sample is one progress observation.
type Sample struct {
	Percent float64
	Speed   string
	ETA     string
}

// Estimator guesses progress for a tool that runs with --no-progress. Percent
// follows a curve that approaches maxEstimate with the given half-life; speed is
// measured from the growth of the output directory.
type Estimator struct {
	dir      string
	halfLife time.Duration
	start    time.Time

	lastAt      time.Time
	lastBytes   int64
	lastPercent float64
}

// NewEstimator measures speed from every byte written under dir. The default
// output directory is per task; when callers point several tasks at the same
// directory, each task's speed includes the others' writes.
func NewEstimator(dir string, halfLife time.Duration, start time.Time) *Estimator {
	if halfLife <= 0 {
		halfLife = 3 * time.Minute
	}
	bytes, _ := workspace.DirSize(dir)
	return &Estimator{
		dir:       dir,
		halfLife:  halfLife,
		start:     start,
		lastAt:    start,
		lastBytes: bytes,
	}
}

func (e *Estimator) Percent(now time.Time) float64 {
	elapsed := now.Sub(e.start)
	if elapsed <= 0 {
		return 0
	}
	return maxEstimate * (1 - math.Exp2(-float64(elapsed)/float64(e.halfLife)))
}

func (e *Estimator) Sample(now time.Time) Sample {
	percent := e.Percent(now)
	s := Sample{Percent: percent, Speed: task.NoSpeed, ETA: task.NoETA}

	dt := now.Sub(e.lastAt).Seconds()
	if dt <= 0 {
		return s
	}

	if bytes, err := workspace.DirSize(e.dir); err == nil {
		if delta := bytes - e.lastBytes; delta > 0 {
			s.Speed = humanize.Bytes(uint64(float64(delta)/dt)) + "/s"
		}
		e.lastBytes = bytes
	}

	if rate := (percent - e.lastPercent) / dt; rate > 0 {
		remaining := time.Duration((100 - percent) / rate * float64(time.Second))
		s.ETA = remaining.Round(time.Second).String()
	}

	e.lastAt = now
	e.lastPercent = percent
	return s
}
