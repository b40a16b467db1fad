package capacity

import (
	"context"
	"time"

	"github.com/JoshuaAFerguson/apex/internal/common/config"
	"github.com/JoshuaAFerguson/apex/internal/store"
	"github.com/JoshuaAFerguson/apex/internal/store/models"
)

// StoreUsage is the production UsageStatsProvider: it derives today's cost
// and active task count directly from the task store rather than keeping a
// separate running tally, so a restart never loses track of spend.
type StoreUsage struct {
	st     store.Store
	limits config.LimitsConfig
}

// NewStoreUsage constructs a StoreUsage reading through st.
func NewStoreUsage(st store.Store, limits config.LimitsConfig) *StoreUsage {
	return &StoreUsage{st: st, limits: limits}
}

var activeStatuses = []models.Status{
	models.StatusQueued,
	models.StatusPlanning,
	models.StatusInProgress,
	models.StatusWaitingApproval,
}

func (u *StoreUsage) GetCurrentDailyUsage(ctx context.Context) (DailyUsage, error) {
	tasks, err := u.st.ListTasks(ctx, store.ListTasksOptions{})
	if err != nil {
		return DailyUsage{}, err
	}
	now := time.Now()
	var total float64
	for _, t := range tasks {
		if t.Usage == nil {
			continue
		}
		if sameDay(t.CreatedAt, now) {
			total += t.Usage.EstimatedCost
		}
	}
	return DailyUsage{TotalCost: total}, nil
}

func (u *StoreUsage) GetActiveTasks(ctx context.Context) (int, error) {
	count := 0
	for _, status := range activeStatuses {
		status := status
		tasks, err := u.st.ListTasks(ctx, store.ListTasksOptions{Status: &status})
		if err != nil {
			return 0, err
		}
		count += len(tasks)
	}
	return count, nil
}

func (u *StoreUsage) GetDailyBudget(ctx context.Context) (float64, error) {
	return u.limits.DailyBudget, nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

var _ UsageStatsProvider = (*StoreUsage)(nil)
