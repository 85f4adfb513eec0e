package engine

import (
	"bufio"
	"bytes"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/reconhub/internal/catalog"
)

// maxRunningProgress keeps 100 reserved for completed jobs.
const maxRunningProgress = 99

// Estimator turns engine log lines into a progress percentage.
//
// Each method lists ordered stage markers. A line containing a marker moves
// progress to that stage's value; the furthest stage seen wins, so markers
// repeated out of order never pull progress back. Neural methods also print
// "step N/M" counters during training, which are interpolated linearly over
// the catalog's step range.
type Estimator struct {
	stages  []catalog.Stage
	markers []string
	steps   *catalog.Steps

	stageIdx int
	progress int
	stage    string
}

func NewEstimator(m catalog.Method) *Estimator {
	e := &Estimator{stages: m.Stages, steps: m.Steps, stageIdx: -1}
	for _, s := range m.Stages {
		e.markers = append(e.markers, strings.ToLower(s.Marker))
	}
	return e
}

// Observe feeds one log line and reports whether progress or stage changed.
func (e *Estimator) Observe(line string) (progress int, stage string, changed bool) {
	lower := strings.ToLower(line)
	for i := len(e.markers) - 1; i > e.stageIdx; i-- {
		if strings.Contains(lower, e.markers[i]) {
			e.stageIdx = i
			s := e.stages[i]
			label := s.Label
			if label == "" {
				label = s.Marker
			}
			if label != e.stage {
				e.stage = label
				changed = true
			}
			if e.raise(s.Progress) {
				changed = true
			}
			break
		}
	}

	if p, ok := e.stepProgress(line); ok && e.raise(p) {
		changed = true
	}
	return e.progress, e.stage, changed
}

// Progress returns the current estimate.
func (e *Estimator) Progress() (int, string) {
	return e.progress, e.stage
}

func (e *Estimator) raise(p int) bool {
	if p > maxRunningProgress {
		p = maxRunningProgress
	}
	if p <= e.progress {
		return false
	}
	e.progress = p
	return true
}

func (e *Estimator) stepProgress(line string) (int, bool) {
	if e.steps == nil || e.steps.Regexp() == nil {
		return 0, false
	}
	match := e.steps.Regexp().FindStringSubmatch(line)
	if len(match) < 3 {
		return 0, false
	}
	cur, err1 := strconv.Atoi(match[1])
	total, err2 := strconv.Atoi(match[2])
	if err1 != nil || err2 != nil || total <= 0 {
		return 0, false
	}
	if cur > total {
		cur = total
	}
	span := e.steps.To - e.steps.From
	return e.steps.From + span*cur/total, true
}

// scanLogLines splits on '\n' and on the bare '\r' progress bars use to
// redraw a line in place.
func scanLogLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

var _ bufio.SplitFunc = scanLogLines
