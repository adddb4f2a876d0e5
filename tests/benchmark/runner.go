// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package main

import (
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand/v2"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/lib/pq"
)

// GlobalStats matches the /global-status response of the worker.
type GlobalStats struct {
	TotalTasks      int     `json:"total_tasks"`
	PendingTasks    int     `json:"pending_tasks"`
	QueuedTasks     int     `json:"queued_tasks"`
	RunningTasks    int     `json:"running_tasks"`
	CompletedTasks  int     `json:"completed_tasks"`
	FailedTasks     int     `json:"failed_tasks"`
	CancelledTasks  int     `json:"cancelled_tasks"`
	AvgExecutionSec float64 `json:"avg_execution_seconds"`
	ThroughputTasks float64 `json:"throughput_tasks_per_hour"`
}

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
	colorBold   = "\033[1m"
)

// scenario is one algorithm plus the shape of the tasks submitted against it.
type scenario struct {
	command  []string
	memoryMB int
	params   func(i int) map[string]any
}

var scenarios = map[string]scenario{
	"cpu": {
		command:  []string{"python", "-c", "import os\nn=int(os.environ.get('PARAM_N','200000'))\nfor s in range(10):\n    sum(i*i for i in range(n))\n    print(f'progress: {s+1}/10', flush=True)"},
		memoryMB: 256,
		params:   func(i int) map[string]any { return map[string]any{"n": 100000 + i*1000} },
	},
	"progress": {
		command:  []string{"sh", "-c", "for i in 1 2 3 4 5; do echo \"progress: $i/5\"; sleep 1; done"},
		memoryMB: 64,
		params:   func(i int) map[string]any { return map[string]any{"run": i} },
	},
	"failing": {
		command:  []string{"sh", "-c", "echo working; sleep 1; exit $PARAM_CODE"},
		memoryMB: 64,
		params:   func(i int) map[string]any { return map[string]any{"code": i % 3} },
	},
}

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (cpu, progress, failing)")
	count := flag.Int("tasks", 20, "Number of tasks to submit")
	dbHost := flag.String("db_host", "localhost", "Database host")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "8080", "Worker API port")
	flag.Parse()

	sc, ok := scenarios[*suite]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[cpu|progress|failing]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	// Load DB config from .env or defaults
	_ = godotenv.Load("../../.env")
	dbUser := os.Getenv("DB_USER")
	dbPass := os.Getenv("DB_PASSWORD")
	dbName := os.Getenv("DB_NAME")
	sslMode := os.Getenv("DB_SSLMODE")
	if dbUser == "" {
		dbUser = "user"
	}
	if dbPass == "" {
		dbPass = "password"
	}
	if dbName == "" {
		dbName = "algoworker"
	}
	if sslMode == "" {
		sslMode = "require"
	}

	connStr := fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=5432 sslmode=%s",
		dbUser, dbPass, dbName, *dbHost, sslMode)

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		fmt.Printf("%sFailed to connect to DB: %v%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	defer db.Close()

	fmt.Printf("\n%s%s >> ALGOWORKER BENCHMARK SUITE: %s <<%s\n", colorCyan, colorBold, *suite, colorReset)

	// Get Baseline Stats
	initialStats, err := getGlobalStats(*apiHost, *apiPort)
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	if err := inject(db, *suite, sc, *count); err != nil {
		fmt.Printf("%s[ERR]%s Failed to insert tasks: %v\n", colorRed, colorReset, err)
		os.Exit(1)
	}
	fmt.Printf("%s[OK]%s Scenario loaded and %d tasks injected.\n\n", colorGreen, colorReset, *count)

	startTime := time.Now()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-12s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "COMPLETED", "FAILED", "RUNNING", "WAITING", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------------" + colorReset)

	for range ticker.C {
		stats, err := getGlobalStats(*apiHost, *apiPort)
		elapsed := time.Since(startTime).Round(time.Second).String()
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed, colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		deltaCompleted := stats.CompletedTasks - initialStats.CompletedTasks
		deltaFailed := stats.FailedTasks - initialStats.FailedTasks
		waiting := stats.PendingTasks + stats.QueuedTasks

		statusColor := colorGreen
		if deltaFailed > 0 {
			statusColor = colorRed
		}

		fmt.Printf("\r%-10s %s%-12d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed,
			colorGreen, deltaCompleted, colorReset,
			statusColor, deltaFailed, colorReset,
			colorYellow, stats.RunningTasks, colorReset,
			waiting,
		)

		if stats.RunningTasks == 0 && waiting == 0 && deltaCompleted+deltaFailed >= *count {
			fmt.Printf("\n%s------------------------------------------------------------%s\n", colorGray, colorReset)
			fmt.Printf("\n%s%s Benchmark Completed! %s\n", colorGreen, colorBold, colorReset)
			printReport(stats, initialStats, time.Since(startTime))
			break
		}
	}
}

// inject registers the scenario's algorithm and inserts count PENDING tasks with
// random priorities. The insert trigger notifies the worker of each task.
func inject(db *sql.DB, suite string, sc scenario, count int) error {
	runID := time.Now().UnixNano()
	algoID := fmt.Sprintf("bench-%s-%d", suite, runID)

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	image := "python:3.9-slim"
	if _, err := tx.Exec(
		`INSERT INTO algorithms (id, name, image, entry_point, memory_mb, cpu_shares) VALUES ($1, $2, $3, $4, $5, 256)`,
		algoID, "benchmark "+suite, image, pq.Array(sc.command), sc.memoryMB,
	); err != nil {
		return fmt.Errorf("inserting algorithm: %w", err)
	}

	for i := 0; i < count; i++ {
		params, err := json.Marshal(sc.params(i))
		if err != nil {
			return err
		}
		if _, err := tx.Exec(
			`INSERT INTO tasks (id, algorithm_id, name, parameters, priority) VALUES ($1, $2, $3, $4, $5)`,
			fmt.Sprintf("%s-%04d", algoID, i), algoID, fmt.Sprintf("%s #%d", suite, i), string(params), rand.IntN(10),
		); err != nil {
			return fmt.Errorf("inserting task %d: %w", i, err)
		}
	}
	return tx.Commit()
}

func getGlobalStats(host, port string) (GlobalStats, error) {
	resp, err := http.Get(fmt.Sprintf("http://%s:%s/global-status", host, port))
	if err != nil {
		return GlobalStats{}, err
	}
	defer resp.Body.Close()

	var stats GlobalStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return GlobalStats{}, err
	}
	return stats, nil
}

func printReport(final, initial GlobalStats, duration time.Duration) {
	completed := final.CompletedTasks - initial.CompletedTasks
	failed := final.FailedTasks - initial.FailedTasks
	totalProcessed := completed + failed
	tps := float64(totalProcessed) / duration.Seconds()

	successRate := 100.0
	if totalProcessed > 0 {
		successRate = float64(completed) / float64(totalProcessed) * 100
	}

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)

	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset

	fmt.Printf(lineFmt+"\n", "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt+"\n", "Total Tasks:", fmt.Sprintf("%d", totalProcessed))
	fmt.Printf(lineFmt+"\n", "  - Completed:", fmt.Sprintf("%d", completed))
	fmt.Printf(lineFmt+"\n", "  - Failed:", fmt.Sprintf("%d", failed))
	fmt.Printf(lineFmt+"\n", "  - Cancelled:", fmt.Sprintf("%d", final.CancelledTasks-initial.CancelledTasks))
	fmt.Printf(lineFmt+"\n", "Success Rate:", fmt.Sprintf("%.2f%%", successRate))
	fmt.Printf(lineFmt+"\n", "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	fmt.Printf(lineFmt+"\n", "Avg Run Time:", fmt.Sprintf("%.2f s", final.AvgExecutionSec))
	fmt.Printf(lineFmt+"\n", "Hourly Capacity:", fmt.Sprintf("%.1f tasks/hr", final.ThroughputTasks))

	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
