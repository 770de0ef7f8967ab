package poller

import (
	"testing"
	"time"

	"github.com/BearBump/TrackFlow/internal/models"
	"github.com/stretchr/testify/suite"
)

type fixedRand struct{ n int }

func (r fixedRand) Intn(int) int { return r.n }

type PlannerSuite struct {
	suite.Suite
}

func (s *PlannerSuite) TestBackoffDelay() {
	p := DefaultPlanner()
	s.Equal(5*time.Minute, p.BackoffDelay(1))
	s.Equal(15*time.Minute, p.BackoffDelay(2))
	s.Equal(30*time.Minute, p.BackoffDelay(3))
	s.Equal(60*time.Minute, p.BackoffDelay(4))
	s.Equal(60*time.Minute, p.BackoffDelay(100))
}

func (s *PlannerSuite) TestNextCheckDelay_Terminal() {
	p := DefaultPlanner()
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.StatusDelivered, true))
	// Терминальный флаг побеждает независимо от статуса.
	s.Equal(365*24*time.Hour, p.NextCheckDelay(models.StatusException, true))
}

func (s *PlannerSuite) TestNextCheckDelay_InTransit_UsesRand() {
	p := NewPlanner(PlannerConfig{
		InTransitMinDelay: 30 * time.Minute,
		InTransitMaxDelay: 120 * time.Minute,
	}, fixedRand{n: 0})
	s.Equal(30*time.Minute, p.NextCheckDelay(models.StatusInTransit, false))

	p = NewPlanner(PlannerConfig{
		InTransitMinDelay: 10 * time.Minute,
		InTransitMaxDelay: 10 * time.Minute,
	}, fixedRand{})
	s.Equal(10*time.Minute, p.NextCheckDelay(models.StatusPickedUp, false))
}

func (s *PlannerSuite) TestNextCheckDelay_OutForDelivery() {
	s.Equal(10*time.Minute, DefaultPlanner().NextCheckDelay(models.StatusOutForDelivery, false))
}

func (s *PlannerSuite) TestNextCheckDelay_Exception() {
	s.Equal(20*time.Minute, DefaultPlanner().NextCheckDelay(models.StatusException, false))
}

func (s *PlannerSuite) TestNextCheckDelay_Unknown() {
	s.Equal(90*time.Minute, DefaultPlanner().NextCheckDelay(models.StatusUnknown, false))
	s.Equal(90*time.Minute, DefaultPlanner().NextCheckDelay(models.StatusCreated, false))
}

func TestPlannerSuite(t *testing.T) {
	suite.Run(t, new(PlannerSuite))
}
