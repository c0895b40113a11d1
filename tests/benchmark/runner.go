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
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
)

const containerHandler = "urn:continuum:handler:container"

// GlobalStats matches model.StatusCounts as served by /global-status.
type GlobalStats struct {
	Total     int `json:"total_tasks"`
	Runnable  int `json:"runnable_tasks"`
	Waiting   int `json:"waiting_tasks"`
	Suspended int `json:"suspended_tasks"`
	Closed    int `json:"closed_tasks"`
	Claimed   int `json:"claimed_tasks"`
}

// WorkerStats matches the worker's /status response.
type WorkerStats struct {
	ID             string `json:"id"`
	Uptime         string `json:"uptime"`
	TasksProcessed uint64 `json:"tasks_processed"`
	TasksSucceeded uint64 `json:"tasks_succeeded"`
	TasksFailed    uint64 `json:"tasks_failed"`
}

type extensionValue struct {
	Kind string `json:"kind"`
	Str  string `json:"str"`
}

type createTask struct {
	Name             string                    `json:"name"`
	Handlers         []string                  `json:"handlers"`
	ThreadStopAction string                    `json:"thread_stop_action"`
	Extension        map[string]extensionValue `json:"extension"`
}

// scenarios are the scripts each suite submits, cycled over -tasks.
var scenarios = map[string][]string{
	"cpu": {
		"total = sum(i * i for i in range(2_000_000))\nprint(total)",
	},
	"network": {
		"import urllib.request\ntry:\n    urllib.request.urlopen('https://example.com', timeout=2)\n    print('reachable')\nexcept Exception as e:\n    print('blocked:', type(e).__name__)",
	},
	"mixed": {
		"print(sum(range(100_000)))",
		"import json\nprint(json.dumps({'ok': True}))",
		"import time\ntime.sleep(0.5)\nprint('slept')",
	},
	"security": {
		"import os\nprint(os.getuid())",
		"open('/etc/shadow').read()",
	},
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

func main() {
	suite := flag.String("suite", "", "Benchmark suite to run (cpu, network, mixed, security)")
	apiHost := flag.String("api_host", "localhost", "Worker API host")
	apiPort := flag.String("api_port", "", "Worker API port (defaults to API_PORT or 8080)")
	count := flag.Int("tasks", 20, "Number of tasks to submit")
	timeout := flag.Duration("timeout", 10*time.Minute, "Give up after this long")
	flag.Parse()

	scripts, ok := scenarios[*suite]
	if !ok {
		fmt.Printf("%sPlease specify a suite using --suite=[cpu|network|mixed|security]%s\n", colorRed, colorReset)
		os.Exit(1)
	}

	_ = godotenv.Load("../../.env")
	if *apiPort == "" {
		*apiPort = os.Getenv("API_PORT")
	}
	if *apiPort == "" {
		*apiPort = "8080"
	}
	base := fmt.Sprintf("http://%s:%s", *apiHost, *apiPort)

	fmt.Printf("\n%s%s >> CONTINUUM BENCHMARK SUITE: %s <<%s\n", colorCyan, colorBold, *suite, colorReset)

	initial, err := getJSON[GlobalStats](base + "/global-status")
	if err != nil {
		fmt.Printf("%s[WARN]%s Could not get initial stats: %v. Metrics might be absolute.\n", colorYellow, colorReset, err)
	}

	startTime := time.Now()
	for i := 0; i < *count; i++ {
		req := createTask{
			Name:             fmt.Sprintf("bench-%s-%d", *suite, i),
			Handlers:         []string{containerHandler},
			ThreadStopAction: "close",
			Extension: map[string]extensionValue{
				"code": {Kind: "string", Str: scripts[i%len(scripts)]},
			},
		}
		if err := postJSON(base+"/tasks/", req); err != nil {
			fmt.Printf("%s[ERR]%s Failed to submit task %d: %v\n", colorRed, colorReset, i, err)
			os.Exit(1)
		}
	}
	fmt.Printf("%s[OK]%s %d tasks submitted.\n\n", colorGreen, colorReset, *count)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	fmt.Printf("%s%-10s %-10s %-10s %-10s %-10s%s\n", colorGray+colorBold, "ELAPSED", "CLOSED", "SUSPENDED", "CLAIMED", "RUNNABLE", colorReset)
	fmt.Println(colorGray + "------------------------------------------------------" + colorReset)

	for range ticker.C {
		elapsed := time.Since(startTime)
		if elapsed > *timeout {
			fmt.Printf("\n%s[ERR]%s Timed out after %s\n", colorRed, colorReset, *timeout)
			os.Exit(1)
		}

		stats, err := getJSON[GlobalStats](base + "/global-status")
		if err != nil {
			fmt.Printf("\r%-10s %s%-42s%s", elapsed.Round(time.Second), colorRed, "Error: Connection Refused (Retrying...)", colorReset)
			continue
		}

		closed := stats.Closed - initial.Closed
		suspended := stats.Suspended - initial.Suspended
		fmt.Printf("\r%-10s %s%-10d%s %s%-10d%s %s%-10d%s %-10d",
			elapsed.Round(time.Second),
			colorGreen, closed, colorReset,
			colorRed, suspended, colorReset,
			colorYellow, stats.Claimed, colorReset,
			stats.Runnable,
		)

		if closed+suspended >= *count && stats.Claimed == 0 {
			fmt.Printf("\n%s------------------------------------------------------%s\n", colorGray, colorReset)
			worker, _ := getJSON[WorkerStats](base + "/status")
			printReport(closed, suspended, worker, time.Since(startTime))
			return
		}
	}
}

func postJSON(url string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return nil
}

func getJSON[T any](url string) (T, error) {
	var out T
	resp, err := http.Get(url)
	if err != nil {
		return out, err
	}
	defer resp.Body.Close()
	err = json.NewDecoder(resp.Body).Decode(&out)
	return out, err
}

func printReport(closed, suspended int, worker WorkerStats, duration time.Duration) {
	total := closed + suspended
	tps := float64(total) / duration.Seconds()

	fmt.Println("\n" + colorCyan + colorBold + "┏━━━━━━━━━━━━━━━━━━━━━━ REPORT ━━━━━━━━━━━━━━━━━━━━━━┓" + colorReset)
	lineFmt := colorCyan + "┃" + colorReset + "  %-22s " + colorBold + "%-25s" + colorCyan + "┃" + colorReset + "\n"

	fmt.Printf(lineFmt, "Duration:", duration.Truncate(time.Millisecond).String())
	fmt.Printf(lineFmt, "Tasks finished:", fmt.Sprintf("%d", total))
	fmt.Printf(lineFmt, "  - Closed:", fmt.Sprintf("%d", closed))
	fmt.Printf(lineFmt, "  - Suspended:", fmt.Sprintf("%d", suspended))
	fmt.Printf(lineFmt, "Throughput (TPS):", fmt.Sprintf("%.2f tasks/sec", tps))
	if worker.ID != "" {
		fmt.Printf(lineFmt, "Worker:", worker.ID)
		fmt.Printf(lineFmt, "  - Succeeded runs:", fmt.Sprintf("%d", worker.TasksSucceeded))
		fmt.Printf(lineFmt, "  - Failed runs:", fmt.Sprintf("%d", worker.TasksFailed))
	}
	fmt.Println(colorCyan + colorBold + "┗━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛" + colorReset)
}
