package health

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mbd888/auditrisk/internal/anomaly"
)

// Database pings db.
func Database(db *sql.DB) Checker {
	return func(ctx context.Context) Status {
		if err := db.PingContext(ctx); err != nil {
			return Status{Name: "database", Detail: err.Error()}
		}
		return Status{Name: "database", Healthy: true}
	}
}

// Baselines fails when no baseline groups are loaded.
func Baselines(count func() int) Checker {
	return func(context.Context) Status {
		n := count()
		if n == 0 {
			return Status{Name: "baselines", Detail: "no baseline profiles loaded"}
		}
		return Status{Name: "baselines", Healthy: true, Detail: fmt.Sprintf("%d groups", n)}
	}
}

// Model reports a missing or unreadable anomaly model as degraded.
func Model(info func() anomaly.Info) Checker {
	return func(context.Context) Status {
		i := info()
		if i.Status != anomaly.StatusReady {
			detail := i.Status
			if i.Detail != "" {
				detail += ": " + i.Detail
			}
			return Status{Name: "anomaly_model", Healthy: true, Degraded: true, Detail: detail}
		}
		return Status{Name: "anomaly_model", Healthy: true, Detail: fmt.Sprintf("%s, %d trees", i.ModelType, i.Trees)}
	}
}

// Realtime reports a stopped alert hub as degraded; scoring does not
// depend on it.
func Realtime(running func() bool) Checker {
	return func(context.Context) Status {
		if !running() {
			return Status{Name: "realtime", Healthy: true, Degraded: true, Detail: "alert hub not running"}
		}
		return Status{Name: "realtime", Healthy: true}
	}
}
