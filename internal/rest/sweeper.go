package rest

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"cordkit/pkg/logx"
)

// Sweeper periodically drops idle buckets from a table.
type Sweeper struct {
	c     *cron.Cron
	table *BucketTable
	ttl   time.Duration
	log   logx.Logger
}

// NewSweeper parses schedule ("@every 1m", or a standard five-field spec)
// and registers the sweep job. The job runs once Start is called.
func NewSweeper(schedule string, table *BucketTable, ttl time.Duration, log logx.Logger) (*Sweeper, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("rest: sweep schedule %q: %w", schedule, err)
	}
	s := &Sweeper{
		c:     cron.New(cron.WithParser(parser)),
		table: table,
		ttl:   ttl,
		log:   log,
	}
	s.c.Schedule(sched, cron.FuncJob(s.run))
	return s, nil
}

func (s *Sweeper) run() {
	if n := s.table.Sweep(s.ttl); n > 0 {
		s.log.Debug("idle buckets swept", logx.Int("removed", n), logx.Int("remaining", s.table.Len()))
	}
}

func (s *Sweeper) Start() { s.c.Start() }

// Stop halts the schedule and waits for a running sweep to return.
func (s *Sweeper) Stop() {
	<-s.c.Stop().Done()
}
