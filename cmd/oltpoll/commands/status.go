package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/fiberhive/oltpoll/config"
	"github.com/fiberhive/oltpoll/errors"
)

// StatusCmd queries a running daemon over its HTTP API
var StatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pool and scheduler status of a running daemon",
	Long: `Query the running oltpoll daemon for its pool load, scheduler health,
and recent execution activity. Requires the daemon to be up.`,
	RunE: runStatus,
}

var statusPort int

func init() {
	StatusCmd.Flags().IntVar(&statusPort, "port", 0, "API port (overrides config)")
}

// apiGet fetches one endpoint of the daemon API into out.
func apiGet(port int, path string, out interface{}) error {
	client := &http.Client{Timeout: 5 * time.Second}
	url := fmt.Sprintf("http://localhost:%d%s", port, path)

	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("daemon returned %s for %s", resp.Status, path)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "failed to decode %s response", path)
	}
	return nil
}

func resolvePort(flagPort int) int {
	if flagPort != 0 {
		return flagPort
	}
	cfg, err := config.Load()
	if err != nil {
		return config.DefaultServerPort
	}
	return cfg.GetServerPort()
}

func runStatus(cmd *cobra.Command, args []string) error {
	port := resolvePort(statusPort)

	var health struct {
		Status  string `json:"status"`
		Version struct {
			Version    string `json:"version"`
			CommitHash string `json:"commit_hash"`
		} `json:"version"`
	}
	if err := apiGet(port, "/health", &health); err != nil {
		pterm.Error.Printf("Daemon not reachable on port %d\n", port)
		return err
	}

	pterm.Success.Printf("Daemon %s (version %s, commit %s)\n",
		health.Status, health.Version.Version, health.Version.CommitHash)

	var stats struct {
		SlotCount      int     `json:"slot_count"`
		BusyCount      int     `json:"busy_count"`
		BusyPercentage float64 `json:"busy_percentage"`
		QueueDepth     int     `json:"queue_depth"`
		QueueCapacity  int     `json:"queue_capacity"`
		TasksDelayed   int     `json:"tasks_delayed_count"`
		Draining       bool    `json:"draining"`
		MemoryUsedMB   float64 `json:"memory_used_mb"`
		MemoryPercent  float64 `json:"memory_percent"`
	}
	if err := apiGet(port, "/api/pollers/stats", &stats); err != nil {
		return err
	}

	pterm.Println()
	pterm.Info.Println("Poller pool:")
	pterm.Printf("  Slots:    %d/%d busy (%.0f%%)\n", stats.BusyCount, stats.SlotCount, stats.BusyPercentage)
	pterm.Printf("  Queue:    %d/%d\n", stats.QueueDepth, stats.QueueCapacity)
	pterm.Printf("  Delayed:  %d retry task(s) parked\n", stats.TasksDelayed)
	pterm.Printf("  Memory:   %.1f MB (%.1f%%)\n", stats.MemoryUsedMB, stats.MemoryPercent)
	if stats.Draining {
		pterm.Warning.Println("  Pool is draining")
	}

	var sched struct {
		LastTickAt      string `json:"last_tick_at"`
		LastTickMs      int64  `json:"last_tick_duration_ms"`
		TicksSinceStart int64  `json:"ticks_since_start"`
		JobsReady       int    `json:"jobs_ready_count"`
		QuotaBlocked    int    `json:"quota_blocked_count"`
	}
	if err := apiGet(port, "/api/scheduler/health", &sched); err != nil {
		return err
	}

	pterm.Println()
	pterm.Info.Println("Scheduler:")
	pterm.Printf("  Last tick:     %s (%d ms)\n", sched.LastTickAt, sched.LastTickMs)
	pterm.Printf("  Ticks:         %d\n", sched.TicksSinceStart)
	pterm.Printf("  Jobs ready:    %d\n", sched.JobsReady)
	pterm.Printf("  Quota blocked: %d\n", sched.QuotaBlocked)

	return nil
}
