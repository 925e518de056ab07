// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("proofgate cli 0.1.0")
	case "submit":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: proofgate submit <tape_file> <claimant_address>\n")
			os.Exit(1)
		}
		runSubmit(args[0], args[1])
	case "status":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: proofgate status <job_id>\n")
			os.Exit(1)
		}
		runStatus(args[0])
	case "result":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: proofgate result <job_id>\n")
			os.Exit(1)
		}
		runResult(args[0])
	case "watch":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: proofgate watch <job_id>\n")
			os.Exit(1)
		}
		runWatch(args[0])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: proofgate cancel <job_id>\n")
			os.Exit(1)
		}
		runCancel(args[0])
	case "jobs":
		runJobs()
	case "health":
		runHealth()
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: proofgate <command> [args]")
	fmt.Println("  version                          - 显示版本")
	fmt.Println("  submit <tape_file> <claimant>    - 提交 tape，返回 job_id")
	fmt.Println("  status <job_id>                  - 查询 job 状态")
	fmt.Println("  result <job_id>                  - 输出结果 artifact JSON")
	fmt.Println("  watch <job_id>                   - 轮询直到 job 进入终态")
	fmt.Println("  cancel <job_id>                  - 取消活跃 job（需 PROOFGATE_GATEWAY_KEY）")
	fmt.Println("  jobs                             - 列出最近的 jobs")
	fmt.Println("  health                           - 网关与 prover 健康状态")
	fmt.Println()
	fmt.Println("环境变量: PROOFGATE_API_URL（默认 http://localhost:8080）、PROOFGATE_GATEWAY_KEY")
}

func newClient() *resty.Client {
	base := os.Getenv("PROOFGATE_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	return resty.New().SetBaseURL(base).SetTimeout(30 * time.Second)
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// printJSON 缩进输出响应体；非 JSON 时原样打印
func printJSON(body []byte) {
	var pretty map[string]interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
}

func runSubmit(tapePath, claimant string) {
	data, err := os.ReadFile(tapePath)
	if err != nil {
		fatal("读取 tape 失败: %v", err)
	}
	resp, err := newClient().R().
		SetHeader("Content-Type", "application/octet-stream").
		SetHeader("x-claimant-address", claimant).
		SetBody(data).
		Post("/api/proofs/jobs")
	if err != nil {
		fatal("提交失败: %v", err)
	}
	printJSON(resp.Body())
	if resp.StatusCode() != 202 {
		os.Exit(1)
	}
}

func runStatus(jobID string) {
	resp, err := newClient().R().Get("/api/proofs/jobs/" + jobID)
	if err != nil {
		fatal("查询失败: %v", err)
	}
	printJSON(resp.Body())
	if resp.StatusCode() != 200 {
		os.Exit(1)
	}
}

func runResult(jobID string) {
	resp, err := newClient().R().Get("/api/proofs/jobs/" + jobID + "/result")
	if err != nil {
		fatal("查询失败: %v", err)
	}
	if resp.StatusCode() != 200 {
		printJSON(resp.Body())
		os.Exit(1)
	}
	fmt.Println(string(resp.Body()))
}

// runWatch 每 3 秒轮询一次状态，进入终态后退出；failed 时退出码非零
func runWatch(jobID string) {
	client := newClient()
	for {
		resp, err := client.R().Get("/api/proofs/jobs/" + jobID)
		if err != nil {
			fatal("查询失败: %v", err)
		}
		if resp.StatusCode() != 200 {
			printJSON(resp.Body())
			os.Exit(1)
		}
		var body struct {
			Job struct {
				Status string `json:"status"`
				Error  string `json:"error"`
			} `json:"job"`
		}
		if err := json.Unmarshal(resp.Body(), &body); err != nil {
			fatal("解析响应失败: %v", err)
		}
		fmt.Printf("%s  %s\n", time.Now().Format("15:04:05"), body.Job.Status)
		switch body.Job.Status {
		case "succeeded":
			return
		case "failed":
			fmt.Fprintf(os.Stderr, "job failed: %s\n", body.Job.Error)
			os.Exit(1)
		}
		time.Sleep(3 * time.Second)
	}
}

func runCancel(jobID string) {
	req := newClient().R()
	if key := os.Getenv("PROOFGATE_GATEWAY_KEY"); key != "" {
		req.SetHeader("x-gateway-key", key)
	}
	resp, err := req.Delete("/api/proofs/jobs/" + jobID)
	if err != nil {
		fatal("取消失败: %v", err)
	}
	printJSON(resp.Body())
	if resp.StatusCode() != 200 {
		os.Exit(1)
	}
}

func runJobs() {
	resp, err := newClient().R().Get("/api/proofs/jobs")
	if err != nil {
		fatal("查询失败: %v", err)
	}
	printJSON(resp.Body())
	if resp.StatusCode() != 200 {
		os.Exit(1)
	}
}

func runHealth() {
	resp, err := newClient().R().Get("/api/health")
	if err != nil {
		fatal("健康检查失败: %v", err)
	}
	printJSON(resp.Body())
	var body struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(resp.Body(), &body); err != nil || body.Status != "compatible" {
		os.Exit(1)
	}
}
