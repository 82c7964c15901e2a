// Package sweeper periodically purges expired cookies from the store.
package sweeper

import (
	"log"
	"sync"
	"time"

	"github.com/nozsavsev/keynote-realtime/internal/db"
)

type Config struct {
	Interval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Interval: 10 * time.Minute,
	}
}

type Service struct {
	database *db.Database
	config   Config
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(database *db.Database, config Config) *Service {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Service{
		database: database,
		config:   config,
		stop:     make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.wg.Add(1)
	go s.run()
	log.Printf("🧹 Cookie sweeper started (interval: %v)", s.config.Interval)
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

func (s *Service) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.sweep()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Service) sweep() {
	if _, err := s.SweepNow(); err != nil {
		log.Printf("Sweeper: failed to purge cookies: %v", err)
	}
}

// SweepNow purges expired cookies immediately.
func (s *Service) SweepNow() (int64, error) {
	n, err := s.database.DeleteExpired(time.Now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Printf("🧹 Purged %d expired cookies", n)
	}
	return n, nil
}
